package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := OpenAndMigrate(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	var version int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&version))
	require.Equal(t, SchemaVersion, version)
}

func TestIsRemoteDSN(t *testing.T) {
	require.True(t, isRemoteDSN("libsql://canopy.turso.io"))
	require.True(t, isRemoteDSN("https://canopy.turso.io"))
	require.False(t, isRemoteDSN("file:canopy.db"))
	require.False(t, isRemoteDSN(":memory:"))
}

func TestMigrateCreatesExpectedTables(t *testing.T) {
	ctx := context.Background()
	db, err := OpenAndMigrate(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"jobs", "job_steps", "accounts"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		require.Equal(t, table, name)
	}
}
