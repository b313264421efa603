//go:build integration

package database_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-builder/pkg/database"
	"github.com/ekaya-inc/ekaya-builder/pkg/testhelpers"
)

// isolatedDatabase creates a throwaway database owned by a fresh user and
// returns a connection string for that user.
func isolatedDatabase(t *testing.T, name, user string, grantSchema bool) string {
	t.Helper()
	testDB := testhelpers.GetTestDB(t)
	ctx := context.Background()

	_, _ = testDB.Pool.Exec(ctx, "DROP DATABASE IF EXISTS "+name)
	_, _ = testDB.Pool.Exec(ctx, "DROP USER IF EXISTS "+user)

	_, err := testDB.Pool.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)
	_, err = testDB.Pool.Exec(ctx, "CREATE USER "+user+" WITH PASSWORD 'test_password'")
	require.NoError(t, err)
	_, err = testDB.Pool.Exec(ctx, "GRANT CONNECT ON DATABASE "+name+" TO "+user)
	require.NoError(t, err)

	host, err := testDB.Container.Host(ctx)
	require.NoError(t, err)
	port, err := testDB.Container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	addr := host + ":" + port.Port()

	if grantSchema {
		superDB, err := sql.Open("pgx", "postgres://ekaya:test_password@"+addr+"/"+name+"?sslmode=disable")
		require.NoError(t, err)
		_, err = superDB.Exec("GRANT ALL ON SCHEMA public TO " + user)
		require.NoError(t, err)
		require.NoError(t, superDB.Close())
	}

	t.Cleanup(func() {
		_, _ = testDB.Pool.Exec(ctx, `
			SELECT pg_terminate_backend(pg_stat_activity.pid)
			FROM pg_stat_activity
			WHERE pg_stat_activity.datname = $1
			AND pid <> pg_backend_pid()
		`, name)
		time.Sleep(100 * time.Millisecond)
		_, _ = testDB.Pool.Exec(ctx, "DROP DATABASE IF EXISTS "+name)
		_, _ = testDB.Pool.Exec(ctx, "DROP USER IF EXISTS "+user)
	})

	return "postgres://" + user + ":test_password@" + addr + "/" + name + "?sslmode=disable"
}

func Test_Migrations_InsufficientPermissions(t *testing.T) {
	connStr := isolatedDatabase(t, "test_migration_perms", "restricted_user", false)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	defer db.Close()

	done := make(chan error, 1)
	go func() { done <- database.RunMigrations(db, zap.NewNop()) }()

	select {
	case err := <-done:
		require.Error(t, err, "migrations should fail without schema privileges")
		assert.Contains(t, err.Error(), "permission denied")
	case <-time.After(30 * time.Second):
		t.Fatal("migrations hung instead of failing with a permission error")
	}
}

func Test_Migrations_IdempotentWithProperPermissions(t *testing.T) {
	connStr := isolatedDatabase(t, "test_migration_success", "full_perms_user", true)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, database.RunMigrations(db, zap.NewNop()))

	verifyDB, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	defer verifyDB.Close()

	require.NoError(t, database.RunMigrations(verifyDB, zap.NewNop()), "second run should be a no-op")

	versionDB, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	version, dirty, err := database.MigrationVersion(versionDB)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.GreaterOrEqual(t, version, uint(1))

	tablesDB, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	defer tablesDB.Close()

	for _, table := range []string{"engine_projects", "engine_fragments", "engine_git_fragments", "engine_component_edits"} {
		var exists bool
		require.NoError(t, tablesDB.QueryRow(`
			SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)
		`, table).Scan(&exists))
		assert.True(t, exists, "%s should exist after migrations", table)
	}
}
