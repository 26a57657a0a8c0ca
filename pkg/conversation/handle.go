package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nstogner/ortofix/pkg/model"
)

// Handle is the registry's entry for one session. It serialises sends so
// the upstream history receives turns one at a time, even when several
// connections share the session.
type Handle struct {
	sessionID string
	conv      model.Conversation
	createdAt time.Time
	now       func() time.Time

	mu       sync.Mutex
	inFlight atomic.Int32
	lastUsed atomic.Int64
}

var _ model.Conversation = (*Handle)(nil)

func newHandle(sessionID string, conv model.Conversation, now func() time.Time) *Handle {
	h := &Handle{
		sessionID: sessionID,
		conv:      conv,
		createdAt: now(),
		now:       now,
	}
	h.lastUsed.Store(h.createdAt.UnixNano())
	return h
}

// SessionID returns the session the conversation belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// CreatedAt returns when the upstream conversation was started.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// LastUsed returns when the handle last started or finished a send.
func (h *Handle) LastUsed() time.Time { return time.Unix(0, h.lastUsed.Load()) }

// Conversation returns the underlying upstream conversation.
func (h *Handle) Conversation() model.Conversation { return h.conv }

// Send submits text to the upstream conversation, waiting for any send
// already in progress on this handle to finish first.
func (h *Handle) Send(ctx context.Context, text string) (model.Reply, error) {
	h.inFlight.Add(1)
	defer h.inFlight.Add(-1)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.touch()
	defer h.touch()
	return h.conv.Send(ctx, text)
}

func (h *Handle) touch() { h.lastUsed.Store(h.now().UnixNano()) }

func (h *Handle) busy() bool { return h.inFlight.Load() > 0 }
