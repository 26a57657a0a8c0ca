// Package ledger records usage events of the proxy: created sessions, replies,
// upstream failures and credential rotations. It never stores message text.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	// KindSessionCreated is recorded when an upstream conversation is started.
	KindSessionCreated Kind = "session_created"
	// KindReply is recorded for every reply delivered to a client.
	KindReply Kind = "reply"
	// KindUpstreamError is recorded for upstream failures other than quota.
	KindUpstreamError Kind = "upstream_error"
	// KindRotation is recorded when a quota failure triggers credential rotation.
	KindRotation Kind = "rotation"
)

// Event is one ledger row.
type Event struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	SessionID       string    `json:"session_id,omitempty"`
	CredentialIndex int       `json:"credential_index"`
	PromptTokens    int32     `json:"prompt_tokens,omitempty"`
	ReplyTokens     int32     `json:"reply_tokens,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Recorder persists ledger events.
type Recorder interface {
	// Record stores one event. ID and Timestamp are filled in when empty.
	Record(ctx context.Context, e *Event) error

	// Counts returns the number of events per kind.
	Counts(ctx context.Context) (map[Kind]int, error)

	// Close releases resources held by the recorder.
	Close() error
}

// History is implemented by recorders that keep individual events.
type History interface {
	// SessionEvents returns the events of one session in chronological order.
	SessionEvents(ctx context.Context, sessionID string) ([]Event, error)
}

// Counter is an in-memory Recorder that keeps only per-kind totals. It is
// used when no ledger database is configured.
type Counter struct {
	mu     sync.Mutex
	counts map[Kind]int
}

var _ Recorder = (*Counter)(nil)

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[Kind]int)}
}

func (c *Counter) Record(_ context.Context, e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[e.Kind]++
	return nil
}

func (c *Counter) Counts(context.Context) (map[Kind]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Kind]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out, nil
}

func (c *Counter) Close() error { return nil }
