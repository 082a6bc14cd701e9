// Package sqlite provides SQLite-based persistent storage for conductor.
// Uses WAL mode for concurrent reads and crash-safe writes. Every call is
// synchronous and durable before it returns.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tutu-network/conductor/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Live tasks: payload and event log as JSON documents
		`CREATE TABLE IF NOT EXISTS active_tasks (
			task_id     TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			state       TEXT NOT NULL,
			completed   BOOLEAN NOT NULL DEFAULT 0,
			payload     TEXT NOT NULL,
			events      TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS completed_tasks (
			task_id     TEXT PRIMARY KEY,
			payload     TEXT NOT NULL,
			events      TEXT NOT NULL,
			result      TEXT,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completed_finished ON completed_tasks(finished_at)`,

		`CREATE TABLE IF NOT EXISTS applications (
			id         TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Job sequences
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id         TEXT PRIMARY KEY,
			application_id TEXT NOT NULL,
			current_step   INTEGER NOT NULL,
			record         TEXT NOT NULL,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS receipts (
			task_id     TEXT PRIMARY KEY,
			task_number TEXT NOT NULL,
			worker      TEXT NOT NULL,
			reward      INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			signature   TEXT NOT NULL,
			manager_key TEXT NOT NULL,
			nullifier   TEXT NOT NULL UNIQUE,
			issued_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_worker ON receipts(worker)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_issued ON receipts(issued_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ domain.Store = (*DB)(nil)
