package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/ortofix/pkg/config"
	"github.com/nstogner/ortofix/pkg/conversation"
	"github.com/nstogner/ortofix/pkg/credential"
	"github.com/nstogner/ortofix/pkg/dispatcher"
	"github.com/nstogner/ortofix/pkg/ledger"
	"github.com/nstogner/ortofix/pkg/ledger/sqlite"
	"github.com/nstogner/ortofix/pkg/model/gemini"
	"github.com/nstogner/ortofix/pkg/persona"
	"github.com/nstogner/ortofix/pkg/server"
	"github.com/nstogner/ortofix/pkg/session"
	"github.com/nstogner/ortofix/pkg/upstream"
	"github.com/nstogner/ortofix/web"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server",
	Long: `Start the WebSocket chat server.

API keys are read from the environment variable named by upstream.keys_env
(GEMINI_API_KEYS by default), written as a list: ["key-1", "key-2"].
A .env file in the working directory is loaded first.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides the config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if err := setupLogging(cfg.Logging, os.Stderr); err != nil {
		return err
	}

	keys, err := config.LoadKeys(cfg.Upstream.KeysEnv)
	if err != nil {
		return err
	}
	pool, err := credential.New(keys)
	if err != nil {
		return err
	}
	instructions, err := persona.Load(cfg.Persona.File)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	rec, err := openLedger(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := upstream.NewFactory(pool, gemini.New)
	defer factory.Close()

	registry := conversation.New(factory, cfg.Upstream.Model, instructions,
		conversation.WithOnCreate(func(sessionID string) {
			err := rec.Record(context.Background(), &ledger.Event{
				Kind:            ledger.KindSessionCreated,
				SessionID:       sessionID,
				CredentialIndex: factory.PoolIndex(),
			})
			if err != nil {
				slog.Warn("Failed to record ledger event", "kind", ledger.KindSessionCreated, "error", err)
			}
		}),
	)
	if cfg.Sessions.IdleTimeout > 0 {
		slog.Info("Idle conversation eviction enabled", "idleTimeout", cfg.Sessions.IdleTimeout)
		go registry.RunSweeper(ctx, cfg.Sessions.SweepInterval, cfg.Sessions.IdleTimeout)
	}

	resolver := session.NewResolver(cfg.Sessions.CookieName)
	d := dispatcher.New(resolver, registry, factory, dispatcher.Options{
		Timeout:            cfg.Upstream.Timeout,
		InvalidateOnRotate: cfg.Sessions.InvalidateOnRotate,
		Ledger:             rec,
	})

	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		Static:            web.FS(),
	}, d, resolver, factory)

	slog.Info("Upstream configured", "model", cfg.Upstream.Model, "credentials", pool.Len())

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// openLedger opens the sqlite ledger at path, or an in-memory counter when
// path is empty.
func openLedger(path string) (ledger.Recorder, error) {
	if path == "" {
		return ledger.NewCounter(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, err
	}
	slog.Info("Usage ledger enabled", "path", path)
	return store, nil
}
