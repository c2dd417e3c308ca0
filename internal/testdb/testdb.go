// Package testdb provides database fixtures for store tests: a migrated
// in-memory SQLite database that always works, and a PostgreSQL database
// that is used when GENQUEUE_TEST_DB_URL or DATABASE_URL is set.
package testdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/platform/postgres"
	"github.com/phrazzld/genqueue/internal/platform/sqlite"
	"github.com/phrazzld/genqueue/internal/store"
	"github.com/stretchr/testify/require"
)

// TestTimeout bounds fixture setup.
const TestTimeout = 10 * time.Second

// PostgresURL returns the integration database URL, or "" when none is set.
func PostgresURL() string {
	for _, key := range []string{"GENQUEUE_TEST_DB_URL", "DATABASE_URL"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// OpenSQLite returns a migrated private in-memory SQLite database that is
// closed when the test ends.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	log := logger.NewDiscardLogger()
	db, err := sqlite.Open(ctx, sqlite.MemoryPath, log)
	require.NoError(t, err, "open sqlite")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.Migrate(ctx, db, sqlite.Migrations(), store.MigrateUp, log), "migrate sqlite")
	return db
}

// OpenPostgres returns a migrated PostgreSQL database with an empty tasks
// table. The test is skipped when no database URL is configured, unless a
// CI job has declared that it provides one.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()

	url := PostgresURL()
	if url == "" {
		if postgresRequired() {
			t.Fatalf("%s is set but no database URL is configured", EnvRequirePostgres)
		}
		t.Skip("GENQUEUE_TEST_DB_URL or DATABASE_URL not set - skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	log := logger.NewDiscardLogger()
	db, err := postgres.Open(ctx, url, postgres.DefaultOptions(), log)
	require.NoError(t, err, "open postgres")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.Migrate(ctx, db, postgres.Migrations(), store.MigrateUp, log), "migrate postgres")
	ResetTasks(t, db)
	return db
}

// ResetTasks deletes every task row.
func ResetTasks(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`DELETE FROM tasks`)
	require.NoError(t, err, "reset tasks")
}
