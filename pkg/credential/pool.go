// Package credential holds the pool of interchangeable upstream API keys and
// the pointer to the one currently in use.
package credential

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nstogner/ortofix/pkg/config"
)

// Pool is an ordered, non-empty list of credentials with one active entry.
// It is safe for concurrent use.
type Pool struct {
	mu    sync.RWMutex
	keys  []string
	index int
}

// New creates a pool starting at the first credential.
func New(keys []string) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: credential pool is empty", config.ErrConfiguration)
	}
	return &Pool{keys: append([]string(nil), keys...)}, nil
}

// Current returns the active credential.
func (p *Pool) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keys[p.index]
}

// Index returns the position of the active credential.
func (p *Pool) Index() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.keys)
}

// All returns a copy of the ordered credential list.
func (p *Pool) All() []string {
	return append([]string(nil), p.keys...)
}

// Rotate advances to the next credential, wrapping around at the end.
// With a single credential there is no alternative: the index is left
// unchanged and rotated is false.
func (p *Pool) Rotate() (index int, rotated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) < 2 {
		slog.Warn("Only one credential configured, nothing to rotate to")
		return p.index, false
	}
	p.index = (p.index + 1) % len(p.keys)
	slog.Info("Credential rotated", "index", p.index, "poolSize", len(p.keys))
	return p.index, true
}
