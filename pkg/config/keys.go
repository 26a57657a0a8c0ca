package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadKeys reads the upstream credential list from the named environment
// variable. See ParseKeys for the accepted syntax.
func LoadKeys(envName string) ([]string, error) {
	raw, ok := os.LookupEnv(envName)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrConfiguration, envName)
	}
	keys, err := ParseKeys(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envName, err)
	}
	return keys, nil
}

// ParseKeys parses a list literal such as ["k1", "k2"] or ['k1', 'k2'].
// The value is read as a YAML flow sequence, which accepts both quoting
// styles. Anything that is not a non-empty list of non-blank strings is
// rejected, including numbers and booleans.
func ParseKeys(raw string) ([]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: credential list is malformed: %v", ErrConfiguration, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: credential list is not a list", ErrConfiguration)
	}
	items := doc.Content[0].Content
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: credential list is empty", ErrConfiguration)
	}
	keys := make([]string, 0, len(items))
	for i, n := range items {
		if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!str" {
			return nil, fmt.Errorf("%w: credential %d is not a string", ErrConfiguration, i)
		}
		if strings.TrimSpace(n.Value) == "" {
			return nil, fmt.Errorf("%w: credential %d is blank", ErrConfiguration, i)
		}
		keys = append(keys, n.Value)
	}
	return keys, nil
}

// Mask hides all but the last four characters of a credential.
func Mask(key string) string {
	const visible = 4
	if len(key) <= visible {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-visible) + key[len(key)-visible:]
}
