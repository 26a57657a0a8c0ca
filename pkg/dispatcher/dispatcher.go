// Package dispatcher implements the per-connection event handling of the chat
// proxy: connect, inbound messages and disconnect. It is transport agnostic;
// the server package adapts WebSocket connections to Transport.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nstogner/ortofix/pkg/conversation"
	"github.com/nstogner/ortofix/pkg/ledger"
	"github.com/nstogner/ortofix/pkg/model"
	"github.com/nstogner/ortofix/pkg/session"
)

var (
	// ErrValidation is returned for empty inbound messages.
	ErrValidation = errors.New("message text is empty")
	// ErrSessionInit is returned when the upstream conversation could not be started.
	ErrSessionInit = errors.New("session initialization failed")
)

// Transport is one client connection as seen by the dispatcher.
type Transport interface {
	// ID identifies the connection in logs.
	ID() string
	// Emit sends one named event with a JSON-encodable payload.
	Emit(event string, payload any) error
}

// Rotator switches the upstream credential. Implemented by *upstream.Factory.
type Rotator interface {
	Rotate(ctx context.Context) (rotated bool, err error)
	PoolIndex() int
}

// State is the lifecycle state of a connection.
type State int

const (
	// StateUninitialized means no conversation is bound to the connection yet.
	StateUninitialized State = iota
	// StateReady means the session's conversation exists.
	StateReady
	// StateClosed means the transport went away.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Connection binds a Transport to its session state.
type Connection struct {
	transport Transport
	session   *session.State

	mu    sync.Mutex
	state State
}

// NewConnection wraps t. st carries the session identifier known from the
// handshake, if any.
func NewConnection(t Transport, st *session.State) *Connection {
	if st == nil {
		st = session.NewState("")
	}
	return &Connection{transport: t, session: st}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the connection's session state.
func (c *Connection) Session() *session.State { return c.session }

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = s
}

// Options tunes a Dispatcher.
type Options struct {
	// Timeout bounds every upstream call. Zero means no limit.
	Timeout time.Duration
	// InvalidateOnRotate drops all conversations after a credential switch,
	// so later messages start fresh conversations on the new credential.
	InvalidateOnRotate bool
	// Ledger receives usage events. Defaults to an in-memory Counter.
	Ledger ledger.Recorder
}

// Dispatcher handles connection events.
type Dispatcher struct {
	resolver *session.Resolver
	registry *conversation.Registry
	rotator  Rotator
	ledger   ledger.Recorder
	opts     Options
}

// New creates a Dispatcher.
func New(resolver *session.Resolver, registry *conversation.Registry, rotator Rotator, opts Options) *Dispatcher {
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewCounter()
	}
	return &Dispatcher{
		resolver: resolver,
		registry: registry,
		rotator:  rotator,
		ledger:   opts.Ledger,
		opts:     opts,
	}
}

// Ledger returns the recorder events are written to.
func (d *Dispatcher) Ledger() ledger.Recorder { return d.ledger }

// Registry returns the conversation registry.
func (d *Dispatcher) Registry() *conversation.Registry { return d.registry }

// Connect eagerly resolves the session and creates its conversation. On
// success a status event is emitted and the connection becomes ready. On
// failure an error event is emitted, the connection stays uninitialized and
// the next message retries creation.
func (d *Dispatcher) Connect(ctx context.Context, c *Connection) error {
	id := d.resolver.Resolve(c.session)
	log := slog.With("conn", c.transport.ID(), "sessionID", id)
	log.Info("Client connected")

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if _, err := d.registry.GetOrCreate(ctx, id); err != nil {
		log.Error("Failed to initialize conversation", "error", err)
		d.emit(c, EventError, ErrorPayload{Error: msgInitFailed})
		return fmt.Errorf("%w: %w", ErrSessionInit, err)
	}

	c.setState(StateReady)
	d.emit(c, EventStatus, StatusPayload{Message: msgConnected, SessionID: id})
	return nil
}

// Message handles one inbound chat message. Exactly one event is emitted per
// call: the sanitised reply or an error. Messages of one connection must be
// passed in arrival order; replies are emitted in the same order.
func (d *Dispatcher) Message(ctx context.Context, c *Connection, in IncomingMessage) error {
	if c.State() == StateClosed {
		return nil
	}
	if strings.TrimSpace(in.Text) == "" {
		d.emit(c, EventError, ErrorPayload{Error: msgEmptyMessage})
		return ErrValidation
	}

	id := d.resolver.Resolve(c.session)
	log := slog.With("conn", c.transport.ID(), "sessionID", id)

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	h, err := d.registry.GetOrCreate(ctx, id)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSessionInit, err)
		d.failed(ctx, c, log, id, err)
		return err
	}
	c.setState(StateReady)

	reply, err := h.Send(ctx, in.Text)
	if err != nil {
		d.failed(ctx, c, log, id, err)
		return err
	}

	text := Sanitize(reply.Text)
	log.Debug("Reply delivered", "length", len(text))
	d.record(ctx, &ledger.Event{
		Kind:            ledger.KindReply,
		SessionID:       id,
		CredentialIndex: d.rotator.PoolIndex(),
		PromptTokens:    reply.PromptTokens,
		ReplyTokens:     reply.ReplyTokens,
	})
	d.emit(c, EventMessage, MessagePayload{Sender: SenderBot, Text: text, SessionID: id})
	return nil
}

// Disconnect marks the connection closed. The session's conversation is
// kept so a reconnect with the same session resumes it.
func (d *Dispatcher) Disconnect(c *Connection) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	slog.Info("Client disconnected", "conn", c.transport.ID(), "sessionID", c.session.ID())
}

// failed classifies an upstream failure and emits the matching error event.
func (d *Dispatcher) failed(ctx context.Context, c *Connection, log *slog.Logger, id string, err error) {
	if !model.IsQuota(err) {
		log.Error("Upstream request failed", "error", err)
		d.record(ctx, &ledger.Event{
			Kind:            ledger.KindUpstreamError,
			SessionID:       id,
			CredentialIndex: d.rotator.PoolIndex(),
			Detail:          err.Error(),
		})
		d.emit(c, EventError, ErrorPayload{Error: fmt.Sprintf(msgServerError, err)})
		return
	}

	log.Warn("Upstream quota exhausted", "error", err)
	from := d.rotator.PoolIndex()
	// Rotation must happen even if the request context expired.
	rotated, rerr := d.rotator.Rotate(context.WithoutCancel(ctx))
	if rerr != nil {
		log.Error("Failed to rebuild client after rotation", "error", rerr)
	}
	if !rotated {
		d.emit(c, EventError, ErrorPayload{Error: msgQuotaExhausted})
		return
	}

	if d.opts.InvalidateOnRotate {
		n := d.registry.Reset()
		log.Info("Dropped conversations after rotation", "count", n)
	}
	d.record(ctx, &ledger.Event{
		Kind:            ledger.KindRotation,
		SessionID:       id,
		CredentialIndex: d.rotator.PoolIndex(),
		Detail:          fmt.Sprintf("from %d", from),
	})
	d.emit(c, EventError, ErrorPayload{Error: msgKeyRotated})
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.opts.Timeout)
}

func (d *Dispatcher) record(ctx context.Context, e *ledger.Event) {
	if err := d.ledger.Record(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("Failed to record ledger event", "kind", e.Kind, "error", err)
	}
}

func (d *Dispatcher) emit(c *Connection, event string, payload any) {
	if err := c.transport.Emit(event, payload); err != nil {
		slog.Warn("Failed to emit event", "conn", c.transport.ID(), "event", event, "error", err)
	}
}
