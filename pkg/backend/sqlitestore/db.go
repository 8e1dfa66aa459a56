// Package sqlitestore is the durable (Ice) Backend (spec §4.7): a
// relational store with the two-table schema from spec §6, driven by
// the pure-Go modernc.org/sqlite driver and migrated with
// pressly/goose/v3. Grounded on stacklok-toolhive's
// pkg/storage/sqlite: Open(ctx, path), WAL journaling, a single
// connection, busy_timeout to serialize writers instead of racing on
// SQLITE_BUSY.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a single-connection *sql.DB tuned for the embedded-SQLite
// access pattern: one writer, WAL readers, generous busy_timeout in
// place of explicit connection pooling.
type DB struct {
	db *sql.DB
}

// DefaultDBPath returns the conventional location for the durable
// store file when ICE_CONNECTION_STRING is unset.
func DefaultDBPath() string {
	return filepath.Join(".", "data", "codex.db")
}

// Open creates dbPath's parent directory if needed, opens a SQLite
// connection tuned for a single writer, applies pending goose
// migrations, and returns the ready handle.
func Open(ctx context.Context, dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create data dir: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -2000",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("sqlitestore: apply pragma %q: %w", p, err)
		}
	}

	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{db: sqlDB}, nil
}

func migrate(sqlDB *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("sqlitestore: set dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for callers that need raw access
// (tests, diagnostics).
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}
