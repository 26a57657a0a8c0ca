package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/ortofix/pkg/conversation"
	"github.com/nstogner/ortofix/pkg/credential"
	"github.com/nstogner/ortofix/pkg/ledger"
	"github.com/nstogner/ortofix/pkg/model"
	"github.com/nstogner/ortofix/pkg/model/modeltest"
	"github.com/nstogner/ortofix/pkg/session"
	"github.com/nstogner/ortofix/pkg/upstream"
)

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeTransport) ID() string { return "test-conn" }

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{event, payload})
	return nil
}

func (f *fakeTransport) all() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.events...)
}

func (f *fakeTransport) last(t *testing.T) emitted {
	t.Helper()
	evs := f.all()
	if len(evs) == 0 {
		t.Fatal("no events emitted")
	}
	return evs[len(evs)-1]
}

type fixture struct {
	d        *Dispatcher
	provider *modeltest.Provider
	pool     *credential.Pool
	registry *conversation.Registry
	ledger   *ledger.Counter
}

func newFixture(t *testing.T, opts Options, keys ...string) *fixture {
	t.Helper()
	pool, err := credential.New(keys)
	if err != nil {
		t.Fatalf("credential.New: %v", err)
	}
	p := &modeltest.Provider{}
	factory := upstream.NewFactory(pool, p.New)
	reg := conversation.New(factory, "test-model", "be brief")
	counter := ledger.NewCounter()
	opts.Ledger = counter
	return &fixture{
		d:        New(session.NewResolver(""), reg, factory, opts),
		provider: p,
		pool:     pool,
		registry: reg,
		ledger:   counter,
	}
}

func errorText(t *testing.T, e emitted) string {
	t.Helper()
	if e.event != EventError {
		t.Fatalf("event = %q, want %q (payload %+v)", e.event, EventError, e.payload)
	}
	return e.payload.(ErrorPayload).Error
}

func replyText(t *testing.T, e emitted) string {
	t.Helper()
	if e.event != EventMessage {
		t.Fatalf("event = %q, want %q (payload %+v)", e.event, EventMessage, e.payload)
	}
	return e.payload.(MessagePayload).Text
}

var errQuota = errors.New("Error 429: Resource has been exhausted (e.g. check quota).")

func TestConnectEmitsStatus(t *testing.T) {
	f := newFixture(t, Options{}, "key-a")
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)

	if err := f.d.Connect(context.Background(), c); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want ready", c.State())
	}
	e := tr.last(t)
	if e.event != EventStatus {
		t.Fatalf("event = %q, want status", e.event)
	}
	st := e.payload.(StatusPayload)
	if st.SessionID == "" || st.SessionID != c.Session().ID() {
		t.Errorf("status session = %q, connection session = %q", st.SessionID, c.Session().ID())
	}
	if st.Message != msgConnected {
		t.Errorf("status message = %q", st.Message)
	}
	if f.registry.Len() != 1 {
		t.Errorf("registry len = %d, want 1", f.registry.Len())
	}
}

func TestConnectReusesKnownSession(t *testing.T) {
	f := newFixture(t, Options{}, "key-a")
	ctx := context.Background()

	first := NewConnection(&fakeTransport{}, nil)
	if err := f.d.Connect(ctx, first); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.d.Disconnect(first)

	again := NewConnection(&fakeTransport{}, session.NewState(first.Session().ID()))
	if err := f.d.Connect(ctx, again); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if f.provider.Starts() != 1 {
		t.Errorf("conversations started = %d, want 1", f.provider.Starts())
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, Options{}, "key-a")
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		err := f.d.Message(context.Background(), c, IncomingMessage{Text: text})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Message(%q) err = %v, want ErrValidation", text, err)
		}
		if got := errorText(t, tr.last(t)); got != msgEmptyMessage {
			t.Errorf("error = %q", got)
		}
	}
	if sent := f.provider.Sent(); len(sent) != 0 {
		t.Errorf("upstream received %v", sent)
	}
	if f.registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", f.registry.Len())
	}
}

func TestReplyIsSanitised(t *testing.T) {
	f := newFixture(t, Options{}, "key-a")
	f.provider.SetSend(func(ctx context.Context, key, text string) (model.Reply, error) {
		return model.Reply{Text: "  **Olá!** Use _sempre_ `#hashtag`  ", PromptTokens: 4, ReplyTokens: 6}, nil
	})
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)

	if err := f.d.Message(context.Background(), c, IncomingMessage{Text: "oi"}); err != nil {
		t.Fatalf("Message: %v", err)
	}
	e := tr.last(t)
	if got := replyText(t, e); got != "Olá! Use sempre hashtag" {
		t.Errorf("reply = %q", got)
	}
	mp := e.payload.(MessagePayload)
	if mp.Sender != SenderBot || mp.SessionID != c.Session().ID() {
		t.Errorf("payload = %+v", mp)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want ready", c.State())
	}
	counts, _ := f.ledger.Counts(context.Background())
	if counts[ledger.KindReply] != 1 {
		t.Errorf("ledger counts = %v", counts)
	}
}

func TestRepliesKeepOrder(t *testing.T) {
	f := newFixture(t, Options{}, "key-a")
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := f.d.Message(ctx, c, IncomingMessage{Text: fmt.Sprintf("M%d", i)}); err != nil {
			t.Fatalf("Message %d: %v", i, err)
		}
	}
	evs := tr.all()
	if len(evs) != 5 {
		t.Fatalf("got %d events, want 5", len(evs))
	}
	for i, e := range evs {
		if got, want := replyText(t, e), fmt.Sprintf("M%d", i+1); got != want {
			t.Errorf("event %d = %q, want %q", i, got, want)
		}
	}
	if f.provider.Starts() != 1 {
		t.Errorf("conversations started = %d, want 1", f.provider.Starts())
	}
}

func TestQuotaRotatesCredential(t *testing.T) {
	f := newFixture(t, Options{}, "key-a", "key-b")
	f.provider.SetSend(func(ctx context.Context, key, text string) (model.Reply, error) {
		if key == "key-a" {
			return model.Reply{}, errQuota
		}
		return model.Reply{Text: "ok from " + key}, nil
	})
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)
	ctx := context.Background()

	err := f.d.Message(ctx, c, IncomingMessage{Text: "hello"})
	if !model.IsQuota(err) {
		t.Fatalf("err = %v, want quota error", err)
	}
	if got := errorText(t, tr.last(t)); got != msgKeyRotated {
		t.Errorf("error = %q, want rotation notice", got)
	}
	if len(tr.all()) != 1 {
		t.Errorf("emitted %d events, want 1", len(tr.all()))
	}
	if f.pool.Index() != 1 {
		t.Errorf("pool index = %d, want 1", f.pool.Index())
	}

	// A new session starts on the rotated credential.
	other := &fakeTransport{}
	if err := f.d.Message(ctx, NewConnection(other, nil), IncomingMessage{Text: "hello"}); err != nil {
		t.Fatalf("Message on new session: %v", err)
	}
	if got := replyText(t, other.last(t)); got != "ok from key-b" {
		t.Errorf("reply = %q", got)
	}

	counts, _ := f.ledger.Counts(ctx)
	if counts[ledger.KindRotation] != 1 {
		t.Errorf("ledger counts = %v", counts)
	}
}

func TestQuotaInvalidatesConversations(t *testing.T) {
	f := newFixture(t, Options{InvalidateOnRotate: true}, "key-a", "key-b")
	f.provider.SetSend(func(ctx context.Context, key, text string) (model.Reply, error) {
		if key == "key-a" {
			return model.Reply{}, errQuota
		}
		return model.Reply{Text: "ok"}, nil
	})
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)
	ctx := context.Background()

	f.d.Message(ctx, c, IncomingMessage{Text: "first"})
	if f.registry.Len() != 0 {
		t.Fatalf("registry len = %d after rotation, want 0", f.registry.Len())
	}
	if err := f.d.Message(ctx, c, IncomingMessage{Text: "retry"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := replyText(t, tr.last(t)); got != "ok" {
		t.Errorf("reply = %q", got)
	}
	if c.Session().ID() == "" {
		t.Error("session identifier lost")
	}
}

func TestQuotaWithSingleCredential(t *testing.T) {
	f := newFixture(t, Options{}, "key-a")
	f.provider.SetSend(func(ctx context.Context, key, text string) (model.Reply, error) {
		return model.Reply{}, errQuota
	})
	tr := &fakeTransport{}

	f.d.Message(context.Background(), NewConnection(tr, nil), IncomingMessage{Text: "hello"})
	if got := errorText(t, tr.last(t)); got != msgQuotaExhausted {
		t.Errorf("error = %q", got)
	}
	if f.pool.Index() != 0 {
		t.Errorf("pool index = %d, want 0", f.pool.Index())
	}
}

func TestGenericUpstreamError(t *testing.T) {
	f := newFixture(t, Options{}, "key-a", "key-b")
	f.provider.SetSend(func(ctx context.Context, key, text string) (model.Reply, error) {
		return model.Reply{}, modeltest.ErrUnavailable
	})
	tr := &fakeTransport{}

	err := f.d.Message(context.Background(), NewConnection(tr, nil), IncomingMessage{Text: "hello"})
	if !errors.Is(err, modeltest.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	want := fmt.Sprintf(msgServerError, modeltest.ErrUnavailable)
	if got := errorText(t, tr.last(t)); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	if f.pool.Index() != 0 {
		t.Errorf("pool rotated on non-quota error")
	}
	counts, _ := f.ledger.Counts(context.Background())
	if counts[ledger.KindUpstreamError] != 1 {
		t.Errorf("ledger counts = %v", counts)
	}
}

func TestUpstreamTimeoutIsGenericError(t *testing.T) {
	f := newFixture(t, Options{Timeout: 50 * time.Millisecond}, "key-a", "key-b")
	f.provider.SetSend(func(ctx context.Context, key, text string) (model.Reply, error) {
		if text == "slow" {
			<-ctx.Done()
			return model.Reply{}, ctx.Err()
		}
		return model.Reply{Text: text}, nil
	})
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)

	err := f.d.Message(context.Background(), c, IncomingMessage{Text: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	evs := tr.all()
	if len(evs) != 1 {
		t.Fatalf("emitted %d events, want 1: %+v", len(evs), evs)
	}
	prefix := strings.TrimSuffix(msgServerError, "%s")
	if got := errorText(t, evs[0]); !strings.HasPrefix(got, prefix) {
		t.Errorf("error = %q, want prefix %q", got, prefix)
	}
	if f.pool.Index() != 0 {
		t.Errorf("pool index = %d, timeout must not rotate", f.pool.Index())
	}
	counts, _ := f.ledger.Counts(context.Background())
	if counts[ledger.KindRotation] != 0 || counts[ledger.KindUpstreamError] != 1 {
		t.Errorf("ledger counts = %v", counts)
	}

	// The connection stays usable.
	if err := f.d.Message(context.Background(), c, IncomingMessage{Text: "again"}); err != nil {
		t.Fatalf("Message after timeout: %v", err)
	}
	if got := replyText(t, tr.last(t)); got != "again" {
		t.Errorf("reply = %q, want %q", got, "again")
	}
}

func TestInitFailureRetriedOnMessage(t *testing.T) {
	f := newFixture(t, Options{}, "key-a")
	f.provider.SetStartErr(modeltest.ErrUnavailable)
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)
	ctx := context.Background()

	err := f.d.Connect(ctx, c)
	if !errors.Is(err, ErrSessionInit) {
		t.Fatalf("Connect err = %v, want ErrSessionInit", err)
	}
	if got := errorText(t, tr.last(t)); got != msgInitFailed {
		t.Errorf("error = %q", got)
	}
	if c.State() != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", c.State())
	}

	f.provider.SetStartErr(nil)
	if err := f.d.Message(ctx, c, IncomingMessage{Text: "hi"}); err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got := replyText(t, tr.last(t)); got != "hi" {
		t.Errorf("reply = %q", got)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want ready", c.State())
	}
}

func TestClosedConnectionIgnoresMessages(t *testing.T) {
	f := newFixture(t, Options{}, "key-a")
	tr := &fakeTransport{}
	c := NewConnection(tr, nil)

	f.d.Disconnect(c)
	if err := f.d.Message(context.Background(), c, IncomingMessage{Text: "late"}); err != nil {
		t.Fatalf("Message: %v", err)
	}
	if len(tr.all()) != 0 {
		t.Errorf("emitted %v after close", tr.all())
	}
	if c.State() != StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
}
