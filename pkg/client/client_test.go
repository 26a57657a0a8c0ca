package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/ortofix/pkg/dispatcher"
)

const testSession = "4f1c9a3e-2b7d-4c1e-9f0a-8d6b5e3c2a10"

// flakyServer drops the first connection right after the status event and
// echoes messages on later connections.
type flakyServer struct {
	mu      sync.Mutex
	conns   int
	cookies []string
}

func (f *flakyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.conns++
	n := f.conns
	var cookie string
	if c, err := r.Cookie("ortofix_session"); err == nil {
		cookie = c.Value
	}
	f.cookies = append(f.cookies, cookie)
	f.mu.Unlock()

	header := http.Header{}
	if cookie == "" {
		header.Add("Set-Cookie", (&http.Cookie{Name: "ortofix_session", Value: testSession, Path: "/"}).String())
	}
	up := websocket.Upgrader{}
	ws, err := up.Upgrade(w, r, header)
	if err != nil {
		return
	}
	defer ws.Close()

	emit := func(event string, payload any) {
		data, _ := json.Marshal(payload)
		ws.WriteJSON(dispatcher.Envelope{Event: event, Data: data})
	}
	emit(dispatcher.EventStatus, dispatcher.StatusPayload{Message: "ok", SessionID: testSession})
	if n == 1 {
		return
	}

	for {
		var env dispatcher.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		var in dispatcher.IncomingMessage
		json.Unmarshal(env.Data, &in)
		emit(dispatcher.EventMessage, dispatcher.MessagePayload{Sender: "bot", Text: "echo: " + in.Text, SessionID: testSession})
	}
}

func (f *flakyServer) seenCookies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cookies...)
}

func fastBackoff() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

func next(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestClientReconnectsWithSessionCookie(t *testing.T) {
	fs := &flakyServer{}
	hs := httptest.NewServer(fs)
	defer hs.Close()

	c, err := New("ws"+strings.TrimPrefix(hs.URL, "http"), WithBackoff(fastBackoff))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, KindConnected, next(t, c).Kind)
	st := next(t, c)
	assert.Equal(t, KindStatus, st.Kind)
	assert.Equal(t, testSession, st.SessionID)
	assert.Equal(t, KindDisconnected, next(t, c).Kind)

	assert.Equal(t, KindConnected, next(t, c).Kind)
	assert.Equal(t, KindStatus, next(t, c).Kind)
	assert.Equal(t, testSession, c.SessionID())

	require.NoError(t, c.Send("oi"))
	reply := next(t, c)
	assert.Equal(t, KindMessage, reply.Kind)
	assert.Equal(t, "echo: oi", reply.Text)

	cookies := fs.seenCookies()
	require.Len(t, cookies, 2)
	assert.Empty(t, cookies[0])
	assert.Equal(t, testSession, cookies[1])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c, err := New("ws://127.0.0.1:1/ws")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send("hello"), ErrNotConnected)
	assert.NoError(t, c.Send("   "))
}

func TestNewRejectsHTTPURL(t *testing.T) {
	_, err := New("http://localhost:5000/ws")
	assert.Error(t, err)
}

func TestClientStopsOnRejectedHandshake(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer hs.Close()

	c, err := New("ws"+strings.TrimPrefix(hs.URL, "http"), WithBackoff(fastBackoff))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, c.Run(ctx))
}
