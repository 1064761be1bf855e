package history

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the history schema in-place.
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

		`CREATE TABLE IF NOT EXISTS deploy_runs (
			run_id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			environment TEXT NOT NULL,
			branch TEXT,
			ref TEXT,
			commit_sha TEXT,
			actor TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			queued_at TIMESTAMP NOT NULL,
			claimed_at TIMESTAMP,
			finished_at TIMESTAMP,
			duration_ms INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deploy_runs_project ON deploy_runs(project, environment);`,
		`CREATE INDEX IF NOT EXISTS idx_deploy_runs_finished_at ON deploy_runs(finished_at);`,
		`CREATE INDEX IF NOT EXISTS idx_deploy_runs_status ON deploy_runs(status);`,

		`CREATE TABLE IF NOT EXISTS deploy_run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			event_type TEXT NOT NULL,
			event_category TEXT NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deploy_run_events_run_id ON deploy_run_events(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deploy_run_events_occurred_at ON deploy_run_events(occurred_at);`,
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
