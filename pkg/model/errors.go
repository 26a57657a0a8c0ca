package model

import (
	"errors"
	"strings"
)

// ErrQuota is wrapped by providers when the upstream rejects a call because a
// rate limit or quota is exhausted.
var ErrQuota = errors.New("upstream quota exhausted")

// IsQuota reports whether err signals quota or rate-limit exhaustion.
//
// Errors wrapping ErrQuota match directly. Otherwise the error text is
// checked for the substring "429" or, case-insensitively, "quota".
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuota) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "quota")
}
