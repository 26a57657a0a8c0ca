package dispatcher

import "strings"

// markup lists the formatting characters the persona forbids in replies.
var markup = strings.NewReplacer("*", "", "_", "", "#", "", "`", "")

// Sanitize strips every formatting-markup character (* _ # `) from text and
// trims surrounding whitespace. Applying it twice gives the same result as once.
func Sanitize(text string) string {
	return strings.TrimSpace(markup.Replace(text))
}
