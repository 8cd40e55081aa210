package store

import (
	"context"
	"fmt"
)

// Schema statements are idempotent. Each table is created if missing; the
// introspection pass below adds columns introduced after the initial schema.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		template_id   TEXT,
		status        TEXT NOT NULL DEFAULT 'created',
		current_phase INT  NOT NULL DEFAULT 1,
		memo          TEXT,
		llm_provider  TEXT,
		llm_model     TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		kind         TEXT NOT NULL,
		filename     TEXT,
		size         BIGINT NOT NULL DEFAULT 0,
		char_count   INT NOT NULL DEFAULT 0,
		text         TEXT,
		storage_path TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS phase_results (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		phase      INT NOT NULL,
		raw        JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (run_id, phase)
	)`,
	`CREATE TABLE IF NOT EXISTS edits (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		phase      INT NOT NULL,
		patch      JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		phase      INT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'queued',
		progress   INT NOT NULL DEFAULT 0,
		logs       JSONB NOT NULL DEFAULT '[]',
		payload    JSONB,
		result_ref TEXT,
		error_msg  TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_run_phase ON jobs (run_id, phase)`,
	`CREATE TABLE IF NOT EXISTS prompt_versions (
		id         TEXT PRIMARY KEY,
		key        TEXT NOT NULL,
		project_id TEXT,
		label      TEXT,
		text       TEXT NOT NULL,
		is_active  BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prompt_versions_key ON prompt_versions (key, project_id)`,
	`CREATE TABLE IF NOT EXISTS llm_audits (
		id                 TEXT PRIMARY KEY,
		provider           TEXT NOT NULL,
		model              TEXT NOT NULL,
		phase              INT NOT NULL DEFAULT 0,
		prompt_fingerprint TEXT,
		result_fingerprint TEXT,
		input_tokens       INT NOT NULL DEFAULT 0,
		output_tokens      INT NOT NULL DEFAULT 0,
		latency_ms         BIGINT NOT NULL DEFAULT 0,
		temperature        DOUBLE PRECISION,
		max_tokens         INT NOT NULL DEFAULT 0,
		error              TEXT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		key        TEXT PRIMARY KEY,
		value      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Columns added after the first release. Deployments that predate them get
// the columns added in place.
var addedColumns = []struct {
	table  string
	column string
	ddl    string
}{
	{"projects", "memo", `ALTER TABLE projects ADD COLUMN memo TEXT`},
	{"projects", "llm_provider", `ALTER TABLE projects ADD COLUMN llm_provider TEXT`},
	{"projects", "llm_model", `ALTER TABLE projects ADD COLUMN llm_model TEXT`},
	{"documents", "storage_path", `ALTER TABLE documents ADD COLUMN storage_path TEXT`},
}

func (s *SQLStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	for _, col := range addedColumns {
		var exists bool
		err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = $1 AND column_name = $2
			)`, col.table, col.column)
		if err != nil {
			return fmt.Errorf("inspect column %s.%s: %w", col.table, col.column, err)
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", col.table, col.column, err)
		}
		s.logger.Info("Added missing column", "table", col.table, "column", col.column)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
