package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SchemaVersion is the current schema revision. Migrate is idempotent and
// upgrades any earlier revision in place.
const SchemaVersion = 2

// Migrate creates (or upgrades) the jobs/job_steps/accounts schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL CHECK (state IN ('queued','running','completed','failed','canceled')),
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			not_before TEXT,
			idempotency_key TEXT UNIQUE,
			last_error TEXT,
			heartbeat_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			finished_at TEXT,
			result_json TEXT,
			result_blob_uri TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_heartbeat ON jobs(state, heartbeat_at);`,

		`CREATE TABLE IF NOT EXISTS job_steps (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			name TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			result_json TEXT,
			FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_steps_job_id ON job_steps(job_id);`,

		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			provider TEXT NOT NULL DEFAULT 'gmail',
			config_json TEXT NOT NULL,
			state_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: add the blob-offload pointer column for jobs created under v1.
	if current < 2 {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN result_blob_uri TEXT;`); err != nil {
			msg := err.Error()
			if !strings.Contains(msg, "duplicate column name") && !strings.Contains(msg, "already exists") {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
