// Package sqlite backs the task store with an embedded SQLite database
// through the pure-Go modernc driver. A single connection serialises
// writers, which makes the claim statement exclusive without row locks.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/phrazzld/genqueue/internal/store"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Dialect returns the store dialect for SQLite.
func Dialect() store.Dialect {
	return store.Dialect{
		Name:        "sqlite3",
		Placeholder: store.PlaceholderQuestion,
		EncodeTime:  store.UnixMillis,
		MapError:    MapError,
	}
}

// Migrations returns the embedded schema migrations.
func Migrations() store.Migrations {
	return store.Migrations{
		FS:      migrationsFS,
		Dir:     "migrations",
		Dialect: "sqlite3",
	}
}

// DSN builds a modernc connection string with WAL and a busy timeout.
func DSN(path string) string {
	if path == MemoryPath || path == "" {
		return "file::memory:?_pragma=busy_timeout(5000)"
	}
	path = strings.TrimPrefix(path, "file:")
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
}

// Open opens or creates the database file. The pool is capped at one
// connection; an in-memory database would otherwise be private to each
// connection.
func Open(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != "" && path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(path, "file:")), 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := sql.Open(DriverName, DSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	logger.Info("database connection established",
		slog.String("driver", DriverName),
		slog.String("path", path))
	return db, nil
}

// NewTaskStore builds a task store over an open, migrated database.
func NewTaskStore(db *sql.DB, opts ...store.SQLTaskStoreOption) (*store.SQLTaskStore, error) {
	return store.NewSQLTaskStore(db, Dialect(), opts...)
}

// MapError maps SQLite constraint errors onto the store sentinels.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}

	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
	case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	return err
}
