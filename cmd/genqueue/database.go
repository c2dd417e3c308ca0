package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/platform/postgres"
	"github.com/phrazzld/genqueue/internal/platform/sqlite"
	"github.com/phrazzld/genqueue/internal/store"
	"github.com/phrazzld/genqueue/internal/task"
)

// Supported database drivers
const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

// errNoDatabase is returned by commands that need a persistent store.
var errNoDatabase = errors.New("command requires a postgres or sqlite database")

// queueStore is what the application needs from a task store.
type queueStore interface {
	task.TaskStore
	task.ResultSink
}

// openDatabase connects to the configured SQL database. It returns a nil
// handle for the memory driver.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	switch cfg.Driver {
	case driverPostgres:
		opts := postgres.DefaultOptions()
		if cfg.MaxOpenConns > 0 {
			opts.MaxOpenConns = cfg.MaxOpenConns
		}
		return postgres.Open(ctx, cfg.URL, opts, logger)
	case driverSQLite:
		return sqlite.Open(ctx, cfg.URL, logger)
	case driverMemory:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// migrationsFor returns the embedded migration set of a driver.
func migrationsFor(driver string) (store.Migrations, error) {
	switch driver {
	case driverPostgres:
		return postgres.Migrations(), nil
	case driverSQLite:
		return sqlite.Migrations(), nil
	default:
		return store.Migrations{}, fmt.Errorf("%w: driver %q has no migrations", errNoDatabase, driver)
	}
}

// runMigrations applies a goose command for the configured driver.
func runMigrations(ctx context.Context, db *sql.DB, driver, command string, logger *slog.Logger) error {
	m, err := migrationsFor(driver)
	if err != nil {
		return err
	}
	return store.Migrate(ctx, db, m, command, logger)
}

// newQueueStore builds the task store for driver over db.
func newQueueStore(driver string, db *sql.DB) (queueStore, error) {
	switch driver {
	case driverPostgres:
		return postgres.NewTaskStore(db)
	case driverSQLite:
		return sqlite.NewTaskStore(db)
	case driverMemory:
		return task.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
