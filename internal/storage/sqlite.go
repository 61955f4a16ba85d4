package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := ValidateLocalFilesystem(path); err != nil {
		return nil, err
	}

	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the first one.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
//
// lock_records and execution_log are append-style: rows are inserted per lock
// instance / per attempt and only their status columns are ever updated.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lock_records (
  id           TEXT PRIMARY KEY,
  lock_id      TEXT NOT NULL,
  group_id     TEXT NOT NULL,
  owner_pid    INTEGER NOT NULL,
  acquired_at  TEXT NOT NULL,
  released_at  TEXT,
  status       TEXT NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS lock_records_one_active_idx
  ON lock_records(lock_id) WHERE status = 'ACTIVE';`,
		`CREATE INDEX IF NOT EXISTS lock_records_status_idx ON lock_records(status, acquired_at);`,
		`CREATE TABLE IF NOT EXISTS token_buckets (
  category        TEXT PRIMARY KEY,
  capacity        REAL NOT NULL,
  tokens          REAL NOT NULL,
  last_refill_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS execution_log (
  id            TEXT PRIMARY KEY,
  execution_id  TEXT NOT NULL,
  phase         TEXT NOT NULL,
  group_id      TEXT NOT NULL,
  status        TEXT NOT NULL,
  reason        TEXT,
  exit_code     INTEGER,
  started_at    TEXT NOT NULL,
  ended_at      TEXT,
  recorded_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS execution_log_execution_idx ON execution_log(execution_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
  id        TEXT PRIMARY KEY,
  at        TEXT NOT NULL,
  kind      TEXT NOT NULL,
  phase     TEXT,
  group_id  TEXT,
  fields    JSON NOT NULL DEFAULT '{}'
);`,
		`CREATE INDEX IF NOT EXISTS audit_log_kind_at_idx ON audit_log(kind, at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
