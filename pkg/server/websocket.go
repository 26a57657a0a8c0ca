package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/nstogner/ortofix/pkg/dispatcher"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMessageSize  = 64 << 10
	outboxSize      = 16
)

var errConnClosed = errors.New("connection closed")

// wsConn adapts a WebSocket connection to dispatcher.Transport. Frames are
// written by a single writer goroutine.
type wsConn struct {
	id         string
	ws         *websocket.Conn
	out        chan dispatcher.Envelope
	pingPeriod time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

var _ dispatcher.Transport = (*wsConn)(nil)

func newWSConn(id string, ws *websocket.Conn, pingPeriod time.Duration) *wsConn {
	return &wsConn{
		id:         id,
		ws:         ws,
		out:        make(chan dispatcher.Envelope, outboxSize),
		pingPeriod: pingPeriod,
		done:       make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case c.out <- dispatcher.Envelope{Event: event, Data: data}:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

// stop tells the writer to flush the outbox and exit. The socket stays open
// until close.
func (c *wsConn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *wsConn) close() {
	c.stop()
	c.ws.Close()
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				slog.Debug("WebSocket write failed", "conn", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			// Flush what the dispatcher already queued before closing.
			for {
				select {
				case env := <-c.out:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if c.ws.WriteJSON(env) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	st := s.resolver.FromRequest(r)

	// A freshly issued identifier goes back in the handshake response so a
	// reconnect resumes the same conversation.
	var header http.Header
	if st.ID() == "" {
		id := s.resolver.Resolve(st)
		header = http.Header{}
		header.Add("Set-Cookie", s.resolver.Cookie(id).String())
	}

	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}

	connID := middleware.GetReqID(r.Context())
	if connID == "" {
		connID = r.RemoteAddr
	}
	c := newWSConn(connID, ws, s.cfg.PongWait*9/10)
	if !s.track(c) {
		ws.Close()
		return
	}
	defer s.untrack(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	conn := dispatcher.NewConnection(c, st)
	s.dispatcher.Connect(s.ctx, conn)

	s.readLoop(c, conn)

	s.dispatcher.Disconnect(conn)
	c.stop()
	wg.Wait()
	c.close()
}

// readLoop handles the connection's inbound events one at a time, so replies
// go out in the order messages arrived. Pongs are not read while a message
// is being handled, so the read deadline is lifted until it completes.
func (s *Server) readLoop(c *wsConn, conn *dispatcher.Connection) {
	pongWait := s.cfg.PongWait
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env dispatcher.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read error", "conn", c.id, "error", err)
			}
			return
		}

		switch env.Event {
		case dispatcher.EventMessage:
			var in dispatcher.IncomingMessage
			if len(env.Data) > 0 {
				// Undecodable payloads are treated as blank text.
				if err := json.Unmarshal(env.Data, &in); err != nil {
					slog.Debug("Malformed message payload", "conn", c.id, "error", err)
				}
			}
			c.ws.SetReadDeadline(time.Time{})
			s.dispatcher.Message(s.ctx, conn, in)
		default:
			slog.Debug("Ignoring unknown event", "conn", c.id, "event", env.Event)
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
}
