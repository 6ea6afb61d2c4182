// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements the job, area, and token store interfaces over one shared
// pool. Expected schema:
//
//	CREATE TABLE jobs (
//	    id UUID PRIMARY KEY,
//	    status TEXT NOT NULL,
//	    command TEXT NOT NULL,
//	    full_path TEXT,
//	    branch TEXT,
//	    from_ts TIMESTAMPTZ,
//	    to_ts TIMESTAMPTZ,
//	    account_id TEXT NOT NULL,
//	    spawned_from UUID,
//	    resume_state JSONB,
//	    progress JSONB NOT NULL DEFAULT '{}',
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    started_at TIMESTAMPTZ,
//	    finished_at TIMESTAMPTZ
//	);
//	CREATE UNIQUE INDEX jobs_path_key ON jobs (full_path, coalesce(branch, ''), command)
//	    WHERE full_path IS NOT NULL;
//	CREATE UNIQUE INDEX jobs_account_key ON jobs (command, account_id)
//	    WHERE full_path IS NULL;
//
//	CREATE TABLE areas (
//	    full_path TEXT PRIMARY KEY,
//	    gitlab_id BIGINT NOT NULL,
//	    name TEXT NOT NULL,
//	    type TEXT NOT NULL
//	);
//
//	CREATE TABLE account_tokens (
//	    account_id TEXT PRIMARY KEY,
//	    access_token TEXT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool dbPool
}

// New connects a pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
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
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
