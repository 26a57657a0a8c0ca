package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/nstogner/ortofix/pkg/dispatcher"
	"github.com/nstogner/ortofix/pkg/session"
)

// Config holds server settings.
type Config struct {
	Addr string
	// AllowedOrigins restricts browser origins for CORS and the WebSocket
	// handshake. "*" allows any origin.
	AllowedOrigins []string
	// ReadHeaderTimeout bounds reading request headers.
	ReadHeaderTimeout time.Duration
	// Static is served at "/". Nil disables the browser client.
	Static fs.FS
	// PongWait is how long an idle connection may go without a pong or an
	// inbound frame. Pings are sent at nine tenths of it. Defaults to 60s.
	PongWait time.Duration
}

// PoolInfo reports the credential pool position. Implemented by *upstream.Factory.
type PoolInfo interface {
	PoolIndex() int
	PoolSize() int
}

// Server serves the chat WebSocket, the browser client and a small JSON API.
type Server struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	resolver   *session.Resolver
	pool       PoolInfo
	router     *chi.Mux
	upgrader   websocket.Upgrader
	httpSrv    *http.Server

	// ctx is cancelled on Shutdown, aborting in-flight upstream calls.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*wsConn]struct{}
	wg    sync.WaitGroup
}

// New creates a Server.
func New(cfg Config, d *dispatcher.Dispatcher, resolver *session.Resolver, pool PoolInfo) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		resolver:   resolver,
		pool:       pool,
		router:     chi.NewRouter(),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: !slices.Contains(s.cfg.AllowedOrigins, "*"),
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/ws", s.handleWebSocket)
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/sessions/{sessionID}/events", s.handleSessionEvents)
	})

	if s.cfg.Static != nil {
		s.router.Handle("/*", http.FileServer(http.FS(s.cfg.Static)))
	}
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and browser origins listed in AllowedOrigins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// Handler returns the root HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address. It blocks until the server stops
// and returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	slog.Info("Starting server", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every open WebSocket and
// waits for their handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	srv := s.httpSrv
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}
