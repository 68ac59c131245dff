// Package sqlite implements the session key/value store on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/coachpo/orchestrator/internal/observability"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

const (
	kvSelectSQL = `SELECT value FROM session_kv WHERE key = ?;`
	kvUpsertSQL = `
INSERT INTO session_kv (key, value, updated_at)
VALUES (?, ?, strftime('%s','now'))
ON CONFLICT(key) DO UPDATE SET
    value = excluded.value,
    updated_at = excluded.updated_at;
`
	kvDeleteSQL = `DELETE FROM session_kv WHERE key = ?;`
)

// Store persists session material in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, errors.New("sqlite store: path required")
	}
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("sqlite store: create dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// a single connection keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		observability.Log().Debug("sqlite WAL mode unavailable", observability.F("err", err))
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, kvSelectSQL, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite store get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, kvUpsertSQL, key, value); err != nil {
		return fmt.Errorf("sqlite store set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store delete: begin: %w", err)
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, kvDeleteSQL, key); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite store delete %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store delete: commit: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
