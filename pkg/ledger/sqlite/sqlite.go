package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/ortofix/pkg/ledger"
)

// Store implements ledger.Recorder using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ ledger.Recorder = (*Store)(nil)
var _ ledger.History = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		credential_index INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		reply_tokens INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts e, assigning an ID and timestamp when missing.
func (s *Store) Record(ctx context.Context, e *ledger.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, session_id, credential_index, prompt_tokens, reply_tokens, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.SessionID, e.CredentialIndex,
		e.PromptTokens, e.ReplyTokens, e.Detail, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Counts returns the number of events per kind.
func (s *Store) Counts(ctx context.Context) (map[ledger.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ledger.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[ledger.Kind(kind)] = n
	}
	return counts, rows.Err()
}

// SessionEvents returns the events of one session in chronological order.
func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, session_id, credential_index, prompt_tokens, reply_tokens, detail, timestamp
		 FROM events WHERE session_id = ? ORDER BY timestamp ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var e ledger.Event
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.SessionID, &e.CredentialIndex,
			&e.PromptTokens, &e.ReplyTokens, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}
