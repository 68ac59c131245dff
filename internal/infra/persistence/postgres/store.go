// Package postgres implements the session key/value store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orchestrator/internal/infra/config"
)

const defaultNamespace = "default"

const (
	kvSelectSQL = `SELECT value FROM session_kv WHERE namespace = $1 AND key = $2;`
	kvUpsertSQL = `
INSERT INTO session_kv (namespace, key, value, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (namespace, key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`
	kvDeleteSQL = `DELETE FROM session_kv WHERE namespace = $1 AND key = ANY($2);`
)

// Store persists session material in the session_kv table.
type Store struct {
	pool      *pgxpool.Pool
	namespace string
	ownsPool  bool
}

// New constructs a Store on an existing pool. The caller keeps ownership of the pool.
func New(pool *pgxpool.Pool, namespace string) *Store {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = defaultNamespace
	}
	return &Store{pool: pool, namespace: ns}
}

// Open dials PostgreSQL using cfg and returns a Store that closes the pool on Close.
func Open(ctx context.Context, cfg config.PostgresConfig, namespace string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ObservePoolMetrics(pool, "session")
	store := New(pool, namespace)
	store.ownsPool = true
	return store, nil
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s.pool == nil {
		return "", false, fmt.Errorf("session store: nil pool")
	}
	var value string
	err := s.pool.QueryRow(ctx, kvSelectSQL, s.namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session store get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if s.pool == nil {
		return fmt.Errorf("session store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, kvUpsertSQL, s.namespace, key, value); err != nil {
		return fmt.Errorf("session store set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if s.pool == nil {
		return fmt.Errorf("session store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, kvDeleteSQL, s.namespace, keys); err != nil {
		return fmt.Errorf("session store delete: %w", err)
	}
	return nil
}

// Close releases the pool when the store created it.
func (s *Store) Close() error {
	if s != nil && s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
