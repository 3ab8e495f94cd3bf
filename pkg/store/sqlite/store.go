// Package sqlite is a SQLite implementation of the ledger store contracts.
// It uses the pure Go modernc.org/sqlite driver, so no CGo is required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var (
	_ store.Store      = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists aggregates, audit events and processed commands in one
// database, so a mutation commits in a single transaction.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex // serializes writers; SQLite allows one at a time
	now func() time.Time
}

// storeConfig holds internal configuration for the SQLite store.
type storeConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	maxOpenConns int
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate runs pending migrations on startup
	autoMigrate bool
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "equbledger.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses an in-memory database.
func WithMemoryDatabase() Option {
	return WithDSN(":memory:")
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) Option {
	return func(c *storeConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging.
// Recommended for production; not available for :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations when the store opens.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) {
		c.autoMigrate = enabled
	}
}

// NewStore opens a SQLite ledger store.
//
// Example usage:
//
//	// In-memory database for testing
//	st, err := sqlite.NewStore(ctx,
//	    sqlite.WithDSN(":memory:"),
//	    sqlite.WithWALMode(false),
//	)
func NewStore(ctx context.Context, opts ...Option) (*Store, error) {
	config := defaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: gets its own database, so pin one.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, now: domain.Now}

	if err := s.setPragmas(ctx, config.walMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if config.autoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) setPragmas(ctx context.Context, wal bool) error {
	if wal {
		if _, err := s.db.ExecContext(ctx, `
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
		`); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`)
	return err
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Commit writes the audit event, the changed entity and the processed
// command record in one transaction.
func (s *Store) Commit(ctx context.Context, m store.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendEvent(ctx, tx, m.Event); err != nil {
		return err
	}
	switch {
	case m.Equb != nil:
		err = putEqub(ctx, tx, *m.Equb)
	case m.Contribution != nil:
		err = putContribution(ctx, tx, *m.Contribution)
	case m.Payout != nil:
		err = putPayout(ctx, tx, *m.Payout)
	}
	if err != nil {
		return err
	}
	if err := recordProcessed(ctx, tx, m.Command, s.now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation: %w", err)
	}
	return nil
}

// nanos stores a time as unix nanoseconds; the zero time is stored as 0.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
