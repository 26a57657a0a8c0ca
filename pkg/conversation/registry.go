// Package conversation maps session identifiers to upstream conversation
// handles. Handles are created on first use and reused for every later
// message of the same session.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nstogner/ortofix/pkg/model"
)

// ClientSource provides the live upstream client. Implemented by
// *upstream.Factory.
type ClientSource interface {
	Client(ctx context.Context) (model.Client, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithOnCreate registers a callback invoked once per created conversation.
func WithOnCreate(fn func(sessionID string)) Option {
	return func(r *Registry) { r.onCreate = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is a concurrency-safe map from session identifier to Handle.
// Entries are never removed unless Forget, Reset or EvictIdle is called.
type Registry struct {
	source       ClientSource
	modelName    string
	instructions string
	onCreate     func(sessionID string)
	now          func() time.Time

	mu      sync.RWMutex
	handles map[string]*Handle

	// creating ensures a single upstream creation per session identifier.
	creating singleflight.Group
}

// New creates an empty Registry. Every conversation is started on
// source's current client with the same model and instructions.
func New(source ClientSource, modelName, instructions string, opts ...Option) *Registry {
	r := &Registry{
		source:       source,
		modelName:    modelName,
		instructions: instructions,
		now:          time.Now,
		handles:      make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the handle stored for sessionID, starting a new upstream
// conversation if there is none. Concurrent calls for the same sessionID
// share one creation. A failed creation stores nothing.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string) (*Handle, error) {
	if h, ok := r.acquire(sessionID); ok {
		return h, nil
	}

	v, err, _ := r.creating.Do(sessionID, func() (any, error) {
		// A creation that finished between Lookup and Do already stored it.
		if h, ok := r.acquire(sessionID); ok {
			return h, nil
		}

		client, err := r.source.Client(ctx)
		if err != nil {
			return nil, err
		}
		conv, err := client.StartConversation(ctx, r.modelName, r.instructions)
		if err != nil {
			return nil, fmt.Errorf("starting conversation: %w", err)
		}

		h := newHandle(sessionID, conv, r.now)
		r.mu.Lock()
		r.handles[sessionID] = h
		r.mu.Unlock()

		slog.Info("Conversation created", "sessionID", sessionID)
		if r.onCreate != nil {
			r.onCreate(sessionID)
		}
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// acquire looks up sessionID and marks the handle used under the read lock,
// so EvictIdle cannot drop a handle between its return and the caller's Send.
func (r *Registry) acquire(sessionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[sessionID]
	if ok {
		h.touch()
	}
	return h, ok
}

// Lookup returns the handle for sessionID without creating one.
func (r *Registry) Lookup(sessionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// Len returns the number of stored conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Forget removes the conversation for sessionID. The next message for that
// session starts a new conversation.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, sessionID)
}

// Reset drops every stored conversation and returns how many were dropped.
func (r *Registry) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.handles)
	r.handles = make(map[string]*Handle)
	return n
}

// EvictIdle forgets conversations not used for longer than maxIdle and
// returns how many were removed. Handles with a send in flight are kept.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, h := range r.handles {
		if h.busy() || h.LastUsed().After(cutoff) {
			continue
		}
		delete(r.handles, id)
		evicted++
	}
	return evicted
}

// RunSweeper calls EvictIdle every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(maxIdle); n > 0 {
				slog.Info("Evicted idle conversations", "count", n, "remaining", r.Len())
			}
		}
	}
}
