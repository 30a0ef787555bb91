package history

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ts         TEXT NOT NULL,
		type       TEXT NOT NULL,
		severity   TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events(request_id)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id          TEXT PRIMARY KEY,
		intent      TEXT    NOT NULL,
		language    TEXT    NOT NULL,
		backend     TEXT    NOT NULL DEFAULT '',
		success     INTEGER NOT NULL DEFAULT 0,
		kind        TEXT    NOT NULL DEFAULT '',
		error       TEXT    NOT NULL DEFAULT '',
		risk_level  TEXT    NOT NULL DEFAULT '',
		risk_score  INTEGER NOT NULL DEFAULT 0,
		tools       TEXT    NOT NULL DEFAULT '[]',
		approval_id TEXT    NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at)`,
}

// migrate creates or updates the database schema to the latest version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("history: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("history: read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("history: record schema version: %w", err)
	}
	return nil
}
