// Package store is the Postgres truth layer: the durable queue, the
// event and trigger-rule tables, the manifest archive, and the audit
// log, all behind one pgx pool. Every mutation runs in a single
// transaction; admissions write their audit entry in the same
// transaction as the primary row.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/queue"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PGStore is the Postgres-backed implementation of the queue protocol,
// the ingest store, the manifest sink, and the audit recorder.
type PGStore struct {
	pool  *pgxpool.Pool
	clock backoff.Clock

	// Limits are optional enqueue-time caps.
	Limits queue.Limits
}

// New connects a pool to the given DSN. The clock drives every
// timestamp the store writes; nil means the system clock.
func New(ctx context.Context, dsn string, clock backoff.Clock) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return NewWithPool(pool, clock), nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of the
// pool's lifecycle unless Close is used.
func NewWithPool(pool *pgxpool.Pool, clock backoff.Clock) *PGStore {
	if clock == nil {
		clock = backoff.SystemClock{}
	}
	return &PGStore{pool: pool, clock: clock}
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for callers that need raw access.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies all pending schema migrations.
func (s *PGStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return MigrateDB(ctx, db)
}

// MigrateDB applies the embedded migrations through a database/sql
// handle. Split out so the CLI can migrate without holding a PGStore.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil and rolling
// back otherwise.
func (s *PGStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// noRows maps pgx's row-absence error onto a caller-supplied sentinel.
func noRows(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
