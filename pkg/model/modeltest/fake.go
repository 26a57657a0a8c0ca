// Package modeltest provides an in-memory model.Client for tests.
package modeltest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nstogner/ortofix/pkg/model"
)

// SendFunc produces the reply for one message. key is the credential of the
// client the conversation was started on.
type SendFunc func(ctx context.Context, key, text string) (model.Reply, error)

// Provider builds fake clients and records everything they do.
type Provider struct {
	mu sync.Mutex

	// NewErr fails client construction.
	NewErr error
	// StartErr fails conversation creation.
	StartErr error
	// StartDelay slows conversation creation down, widening race windows.
	StartDelay time.Duration
	// Send answers messages. Defaults to echoing the text.
	Send SendFunc

	clients []*Client
	starts  int
	sent    []string
}

// New implements model.NewClientFunc.
func (p *Provider) New(ctx context.Context, apiKey string) (model.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewErr != nil {
		return nil, p.NewErr
	}
	c := &Client{Key: apiKey, provider: p}
	p.clients = append(p.clients, c)
	return c, nil
}

// SetSend replaces the send behaviour.
func (p *Provider) SetSend(fn SendFunc) {
	p.mu.Lock()
	p.Send = fn
	p.mu.Unlock()
}

// SetStartErr replaces the conversation creation error.
func (p *Provider) SetStartErr(err error) {
	p.mu.Lock()
	p.StartErr = err
	p.mu.Unlock()
}

// Clients returns the keys of every client built so far, in order.
func (p *Provider) Clients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, len(p.clients))
	for i, c := range p.clients {
		keys[i] = c.Key
	}
	return keys
}

// Starts returns how many conversations were created.
func (p *Provider) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

// Sent returns every message text submitted upstream, in order.
func (p *Provider) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// Client is a fake model.Client bound to one key.
type Client struct {
	Key      string
	provider *Provider
	closed   bool
}

var _ model.Client = (*Client)(nil)

func (c *Client) Name() string { return "fake" }

func (c *Client) Close() error {
	c.closed = true
	return nil
}

func (c *Client) StartConversation(ctx context.Context, modelName, instructions string) (model.Conversation, error) {
	c.provider.mu.Lock()
	delay, err := c.provider.StartDelay, c.provider.StartErr
	c.provider.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c.provider.mu.Lock()
	c.provider.starts++
	c.provider.mu.Unlock()
	return &Conversation{client: c, Model: modelName, Instructions: instructions}, nil
}

// Conversation is a fake model.Conversation.
type Conversation struct {
	client       *Client
	Model        string
	Instructions string
}

// Key returns the credential of the client the conversation was started on.
func (cv *Conversation) Key() string { return cv.client.Key }

func (cv *Conversation) Send(ctx context.Context, text string) (model.Reply, error) {
	p := cv.client.provider
	p.mu.Lock()
	p.sent = append(p.sent, text)
	send := p.Send
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.Reply{}, err
	}
	if send == nil {
		return model.Reply{Text: text}, nil
	}
	return send(ctx, cv.client.Key, text)
}

// ErrUnavailable is a generic upstream failure for tests.
var ErrUnavailable = errors.New("upstream unavailable")
