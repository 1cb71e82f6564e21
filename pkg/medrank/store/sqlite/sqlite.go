// Package sqlite persists session contexts in a SQLite database so
// extraction results survive restarts and can be shared across replicas
// mounting the same volume.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/caredirect/medrank/pkg/medrank/session"
	"github.com/caredirect/medrank/pkg/medrank/store"
)

type sqliteStore struct {
	db *sql.DB
}

// Open opens (or creates) a session-context database at path with WAL mode
// enabled.
func Open(ctx context.Context, path string) (store.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS session_contexts (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_contexts_updated ON session_contexts(updated_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// Get returns the stored context for key. A corrupt payload is treated as a
// miss rather than failing the request.
func (s *sqliteStore) Get(ctx context.Context, key string) (session.Context, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM session_contexts WHERE key = ?", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Context{}, false, nil
	}
	if err != nil {
		return session.Context{}, false, fmt.Errorf("sqlite: get session: %w", err)
	}
	var sc session.Context
	if err := json.Unmarshal([]byte(payload), &sc); err != nil {
		return session.Context{}, false, nil
	}
	return sc, true, nil
}

// Put upserts the context for key.
func (s *sqliteStore) Put(ctx context.Context, key string, sc session.Context) error {
	payload, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("sqlite: encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_contexts (key, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, string(payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("sqlite: put session: %w", err)
	}
	return nil
}

// PruneOlderThan deletes contexts last updated before cutoff and reports how
// many rows went away.
func (s *sqliteStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM session_contexts WHERE updated_at < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune sessions: %w", err)
	}
	return n, nil
}
