// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// DB is the subset of *pgxpool.Pool the stores and the Postgres queue use.
// pgxmock pools satisfy it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens and pings a pool.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	return pool, nil
}

// Schema creates every table used by the stores and the Postgres queue.
// Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	refresh_token TEXT NOT NULL,
	revoked       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS scrape_results (
	id         TEXT PRIMARY KEY,
	job_id     TEXT UNIQUE,
	url        TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS scrape_results_page_idx ON scrape_results (created_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS scrape_jobs (
	seq              BIGSERIAL,
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempts         INT NOT NULL DEFAULT 0,
	max_attempts     INT NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	submitted_by     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	available_at     TIMESTAMPTZ NOT NULL,
	lease_expires_at TIMESTAMPTZ,
	lease            BIGINT NOT NULL DEFAULT 0
);
ALTER TABLE scrape_jobs ADD COLUMN IF NOT EXISTS lease BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS scrape_jobs_ready_idx ON scrape_jobs (status, available_at, seq);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

// classify maps driver errors onto the domain sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return scrape.ErrConflict
	}
	return &scrape.PersistenceError{Op: op, Err: err}
}

// nullable stores empty strings as NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
