package migrate

import (
	"context"
	"database/sql"
	"embed"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorEmpty(t *testing.T) {
	ctx := context.Background()
	m := New(openDB(t), "test_migrations")

	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	assert.ErrorIs(t, m.Down(ctx), ErrNoMigration)
}

func TestMigratorWithFS(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := New(db, "test_migrations")

	require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))
	loaded := m.Migrations()
	require.Len(t, loaded, 2)
	assert.Equal(t, "create_rounds", loaded[0].Name)
	assert.Equal(t, 2, loaded[1].Version)

	require.NoError(t, m.Up(ctx))
	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	_, err = db.ExecContext(ctx, "INSERT INTO rounds (label, owner) VALUES ('r1', 'm1')")
	require.NoError(t, err)

	t.Run("UpIsIdempotent", func(t *testing.T) {
		require.NoError(t, m.Up(ctx))
		version, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, version)
	})

	t.Run("DownWithoutScriptFails", func(t *testing.T) {
		assert.Error(t, m.Down(ctx))
	})
}
