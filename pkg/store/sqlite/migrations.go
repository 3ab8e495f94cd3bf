package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/equbledger/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

func newMigrator(db *sql.DB) (*migrate.Migrator, error) {
	m := migrate.New(db, migrationsTable)
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return m, nil
}

// runMigrations runs all pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RunMigrations runs all pending migrations on the ledger database.
func (s *Store) RunMigrations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runMigrations(ctx, s.db)
}

// MigrationVersion returns the version of the newest applied migration,
// or 0 when none has run.
func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := newMigrator(s.db)
	if err != nil {
		return 0, err
	}
	return m.Version(ctx)
}
