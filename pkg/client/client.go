// Package client is a WebSocket client for the chat server. It keeps the
// session cookie across reconnects so the server resumes the same
// conversation, and reconnects with exponential backoff when the connection
// drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/nstogner/ortofix/pkg/dispatcher"
)

// Kind classifies client events.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindStatus       Kind = dispatcher.EventStatus
	KindError        Kind = dispatcher.EventError
	KindMessage      Kind = dispatcher.EventMessage
)

// Event is something that happened on the connection.
type Event struct {
	Kind      Kind
	Text      string
	SessionID string
	// Err is set on KindDisconnected.
	Err error
}

// ErrNotConnected is returned by Send while the client is reconnecting.
var ErrNotConnected = errors.New("not connected")

// Option configures a Client.
type Option func(*Client)

// WithBackoff replaces the reconnect policy. newBackOff is called before
// every reconnect cycle.
func WithBackoff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// Client is a reconnecting chat client.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	events     chan Event

	mu        sync.Mutex
	ws        *websocket.Conn
	sessionID string
}

// New creates a Client for a ws:// or wss:// URL.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server url must use ws or wss, got %q", u.Scheme)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Jar:              jar,
		},
		newBackOff: defaultBackOff,
		events:     make(chan Event, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Events delivers connection events. The channel is closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// SessionID returns the session announced by the server, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run connects and keeps the connection alive until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	for {
		ws, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.publish(ctx, Event{Kind: KindConnected})

		err = c.readLoop(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()

		if ctx.Err() != nil {
			return nil
		}
		slog.Debug("Connection lost", "error", err)
		c.publish(ctx, Event{Kind: KindDisconnected, Err: err})
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	var ws *websocket.Conn
	op := func() error {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("handshake rejected: %s", resp.Status))
			}
			return err
		}
		ws = conn
		return nil
	}
	notify := func(err error, next time.Duration) {
		slog.Debug("Dial failed, retrying", "error", err, "in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	return ws, nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var env dispatcher.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}
		ev, ok := decode(env)
		if !ok {
			continue
		}
		if ev.Kind == KindStatus && ev.SessionID != "" {
			c.mu.Lock()
			c.sessionID = ev.SessionID
			c.mu.Unlock()
		}
		c.publish(ctx, ev)
	}
}

func decode(env dispatcher.Envelope) (Event, bool) {
	switch env.Event {
	case dispatcher.EventStatus:
		var p dispatcher.StatusPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return Event{}, false
		}
		return Event{Kind: KindStatus, Text: p.Message, SessionID: p.SessionID}, true
	case dispatcher.EventError:
		var p dispatcher.ErrorPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return Event{}, false
		}
		return Event{Kind: KindError, Text: p.Error}, true
	case dispatcher.EventMessage:
		var p dispatcher.MessagePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return Event{}, false
		}
		return Event{Kind: KindMessage, Text: p.Text, SessionID: p.SessionID}, true
	}
	return Event{}, false
}

func (c *Client) publish(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// Send submits a chat message. Blank text is not sent.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	data, err := json.Marshal(dispatcher.IncomingMessage{Text: text})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(dispatcher.Envelope{Event: dispatcher.EventMessage, Data: data})
}
