// Package persona provides the system instruction applied to every conversation.
package persona

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed ortofix.txt
var ortofix string

// Default returns the built-in OrtoFix instruction.
func Default() string {
	return ortofix
}

// Load returns the instruction stored at path, or Default when path is empty.
func Load(path string) (string, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading persona file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("persona file %s is empty", path)
	}
	return text, nil
}
