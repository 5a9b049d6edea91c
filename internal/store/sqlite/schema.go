package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT    PRIMARY KEY,
		name             TEXT    NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 1,
		session_mode     TEXT    NOT NULL,
		wake_mode        TEXT    NOT NULL DEFAULT '',
		payload          TEXT    NOT NULL,
		agent_id         TEXT    NOT NULL DEFAULT '',
		delivery_channel TEXT    NOT NULL DEFAULT '',
		delivery_to      TEXT    NOT NULL DEFAULT '',
		schedule_kind    TEXT    NOT NULL,
		at_ms            INTEGER,
		every_ms         INTEGER,
		anchor_ms        INTEGER,
		cron_expr        TEXT    NOT NULL DEFAULT '',
		cron_tz          TEXT    NOT NULL DEFAULT '',
		run_state        TEXT    NOT NULL DEFAULT 'idle',
		last_run_at_ms   INTEGER,
		next_run_at_ms   INTEGER,
		created_at_ms    INTEGER NOT NULL,
		updated_at_ms    INTEGER NOT NULL,
		version          INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_due
		ON jobs(next_run_at_ms) WHERE enabled = 1 AND run_state = 'idle'`,

	`CREATE TABLE IF NOT EXISTS run_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id        TEXT    NOT NULL,
		started_at_ms INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL,
		status        TEXT    NOT NULL,
		summary       TEXT    NOT NULL DEFAULT '',
		error         TEXT    NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_run_log_job ON run_log(job_id, started_at_ms DESC)`,
}

// migrate creates or updates the database schema to the latest version.
// All DDL uses IF NOT EXISTS, making migration idempotent.
func migrate(db *sql.DB) error {
	ctx := context.TODO()

	// Ensure schema_version table exists first.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
