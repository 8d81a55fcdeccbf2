// Package postgres implements record storage on PostgreSQL.
//
// All cross-row transitions (claim, return, iterate, reset, heartbeat sweep)
// run inside a single database transaction. The task queue and the service
// iterator rely on FOR UPDATE SKIP LOCKED row claiming so concurrent workers
// receive disjoint work without application-level locks.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/qcfabric/qcfabric/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dbtx is the subset of *sql.DB / *sql.Tx the query helpers need
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL-backed implementation of storage.Storage
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Options configure the connection pool
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultOptions returns sensible pool defaults
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    16,
		MaxIdleConns:    4,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  30 * time.Second,
	}
}

// Open connects to the database and verifies connectivity. The initial ping
// retries with exponential backoff up to opts.ConnectTimeout so that server
// start tolerates a database that is still coming up.
func Open(ctx context.Context, dsn string, opts Options, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = opts.ConnectTimeout
	err = backoff.RetryNotify(
		func() error { return db.PingContext(ctx) },
		backoff.WithContext(bo, ctx),
		func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("database not ready")
		},
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database unavailable: %w", err)
	}

	return &Store{db: db, log: logger}, nil
}

// Upgrade applies any pending schema migrations
func (s *Store) Upgrade(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx wraps one database transaction and implements storage.Transaction
type Tx struct {
	tx  *sql.Tx
	log zerolog.Logger
}

// RunInTransaction executes fn inside a single transaction. The transaction
// is rolled back if fn returns an error or panics, and committed otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return s.inTx(ctx, func(t *Tx) error { return fn(t) })
}

func (s *Store) inTx(ctx context.Context, fn func(t *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after successful commit

	if err := fn(&Tx{tx: tx, log: s.log}); err != nil {
		return err
	}
	return tx.Commit()
}
