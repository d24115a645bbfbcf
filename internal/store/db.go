// Package store is the write-mostly catalog of finished runs: one
// sqlite file holding the parameter snapshot, the derived scalars and
// the compressed rendered products of each run. A run never reads the
// catalog to compute; it exists for `boltz results`.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"boltz/internal/logging"
)

// DB wraps the sqlite connection.
type DB struct {
	conn *sql.DB
	log  *slog.Logger
	path string
}

// Open opens or creates the catalog at path, applying pragmas and any
// pending migrations.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	db := &DB{conn: conn, log: logging.Stage(logger, "store"), path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Path returns the catalog file location.
func (db *DB) Path() string { return db.path }

// migrations is the append-only schema ladder. Never edit an applied
// step; add a new one.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		created_at    TEXT NOT NULL,
		params_digest TEXT NOT NULL,
		params_json   TEXT NOT NULL,
		derived_json  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name    TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (run_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_digest ON runs(params_digest)`,
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating migration table: %w", err)
	}

	var current int
	if err := db.conn.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`,
			v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		db.log.Debug("applied migration", slog.Int("version", v+1))
	}
	return nil
}
