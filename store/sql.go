package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/planforge/planforge/llm"
)

// SQLStore is the Postgres backend.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLStore connects to Postgres and runs the schema migration. One
// attempt only; callers fall back to the in-memory backend on failure.
func NewSQLStore(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		// Migration failures are non-fatal: the schema may already be
		// current, or partially managed externally.
		logger.Warn("Schema migration failed", "error", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// jobRow is the flat DB shape of a Job; logs are stored as a JSON array.
type jobRow struct {
	ID        string          `db:"id"`
	RunID     string          `db:"run_id"`
	Phase     int             `db:"phase"`
	Status    string          `db:"status"`
	Progress  int             `db:"progress"`
	Logs      []byte          `db:"logs"`
	Payload   json.RawMessage `db:"payload"`
	ResultRef sql.NullString  `db:"result_ref"`
	ErrorMsg  sql.NullString  `db:"error_msg"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

func (r *jobRow) toJob() (*Job, error) {
	job := &Job{
		ID:        r.ID,
		RunID:     r.RunID,
		Phase:     r.Phase,
		Status:    JobStatus(r.Status),
		Progress:  r.Progress,
		Payload:   r.Payload,
		ResultRef: r.ResultRef.String,
		ErrorMsg:  r.ErrorMsg.String,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Logs) > 0 {
		if err := json.Unmarshal(r.Logs, &job.Logs); err != nil {
			return nil, fmt.Errorf("decode job logs: %w", err)
		}
	}
	return job, nil
}

// CreateProject inserts a project in the created state.
func (s *SQLStore) CreateProject(ctx context.Context, name, templateID string) (*Project, error) {
	project := &Project{
		ID:           uuid.New().String(),
		Name:         name,
		TemplateID:   templateID,
		Status:       ProjectCreated,
		CurrentPhase: PhaseMin,
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO projects (id, name, template_id, status, current_phase)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		project.ID, project.Name, project.TemplateID, project.Status, project.CurrentPhase,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

// GetProject retrieves a project by id.
func (s *SQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var project Project
	err := s.db.GetContext(ctx, &project, `
		SELECT id, name, COALESCE(template_id, '') AS template_id, status, current_phase,
		       COALESCE(memo, '') AS memo,
		       COALESCE(llm_provider, '') AS llm_provider,
		       COALESCE(llm_model, '') AS llm_model,
		       created_at, updated_at
		FROM projects WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &project, nil
}

// ListProjects returns non-archived projects, newest first.
func (s *SQLStore) ListProjects(ctx context.Context) ([]*Project, error) {
	projects := make([]*Project, 0)
	err := s.db.SelectContext(ctx, &projects, `
		SELECT id, name, COALESCE(template_id, '') AS template_id, status, current_phase,
		       COALESCE(memo, '') AS memo,
		       COALESCE(llm_provider, '') AS llm_provider,
		       COALESCE(llm_model, '') AS llm_model,
		       created_at, updated_at
		FROM projects WHERE status != 'archived'
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// UpdateProject overwrites mutable project fields.
func (s *SQLStore) UpdateProject(ctx context.Context, project *Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = $2, template_id = $3, status = $4, current_phase = $5,
		    memo = $6, llm_provider = $7, llm_model = $8, updated_at = now()
		WHERE id = $1`,
		project.ID, project.Name, project.TemplateID, project.Status, project.CurrentPhase,
		project.Memo, project.LLMProvider, project.LLMModel)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProjectState joins the project with its latest run, phase results,
// documents and edits.
func (s *SQLStore) GetProjectState(ctx context.Context, id string) (*ProjectState, error) {
	project, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	state := &ProjectState{
		Project:      project,
		PhaseResults: make(map[int]*PhaseResult),
		Documents:    make([]*Document, 0),
		Edits:        make([]*Edit, 0),
	}

	err = s.db.SelectContext(ctx, &state.Documents, `
		SELECT id, project_id, kind, COALESCE(filename, '') AS filename, size,
		       char_count, COALESCE(text, '') AS text,
		       COALESCE(storage_path, '') AS storage_path, created_at
		FROM documents WHERE project_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	run, err := s.GetLatestRun(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return nil, err
	}
	state.Run = run

	results := make([]*PhaseResult, 0)
	err = s.db.SelectContext(ctx, &results, `
		SELECT id, run_id, phase, raw, created_at, updated_at
		FROM phase_results WHERE run_id = $1`, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list phase results: %w", err)
	}
	for _, result := range results {
		state.PhaseResults[result.Phase] = result
	}

	edits, err := s.GetEdits(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}
	state.Edits = edits
	return state, nil
}

// CreateDocument inserts a document.
func (s *SQLStore) CreateDocument(ctx context.Context, doc *Document) (*Document, error) {
	copied := *doc
	copied.ID = uuid.New().String()
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO documents (id, project_id, kind, filename, size, char_count, text, storage_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		copied.ID, copied.ProjectID, copied.Kind, copied.Filename, copied.Size,
		copied.CharCount, copied.Text, copied.StoragePath,
	).Scan(&copied.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return &copied, nil
}

// GetDocument retrieves a document by id.
func (s *SQLStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.db.GetContext(ctx, &doc, `
		SELECT id, project_id, kind, COALESCE(filename, '') AS filename, size,
		       char_count, COALESCE(text, '') AS text,
		       COALESCE(storage_path, '') AS storage_path, created_at
		FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// CreateRun inserts a new run for a project.
func (s *SQLStore) CreateRun(ctx context.Context, projectID string) (*Run, error) {
	run := &Run{ID: uuid.New().String(), ProjectID: projectID}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO runs (id, project_id) VALUES ($1, $2) RETURNING created_at`,
		run.ID, run.ProjectID,
	).Scan(&run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetLatestRun returns the newest run for a project.
func (s *SQLStore) GetLatestRun(ctx context.Context, projectID string) (*Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, `
		SELECT id, project_id, created_at FROM runs
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	return &run, nil
}

// SavePhaseResult upserts on the (run_id, phase) unique constraint. The row
// id survives replacement so result references remain valid.
func (s *SQLStore) SavePhaseResult(ctx context.Context, runID string, phase int, raw json.RawMessage) (*PhaseResult, error) {
	result := &PhaseResult{RunID: runID, Phase: phase, Raw: raw}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO phase_results (id, run_id, phase, raw)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, phase)
		DO UPDATE SET raw = EXCLUDED.raw, updated_at = now()
		RETURNING id, created_at, updated_at`,
		uuid.New().String(), runID, phase, []byte(raw),
	).Scan(&result.ID, &result.CreatedAt, &result.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert phase result: %w", err)
	}
	return result, nil
}

// GetPhaseResult returns the result for (run_id, phase).
func (s *SQLStore) GetPhaseResult(ctx context.Context, runID string, phase int) (*PhaseResult, error) {
	var result PhaseResult
	err := s.db.GetContext(ctx, &result, `
		SELECT id, run_id, phase, raw, created_at, updated_at
		FROM phase_results WHERE run_id = $1 AND phase = $2`, runID, phase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get phase result: %w", err)
	}
	return &result, nil
}

// GetPhaseResultByID returns a result by row id.
func (s *SQLStore) GetPhaseResultByID(ctx context.Context, id string) (*PhaseResult, error) {
	var result PhaseResult
	err := s.db.GetContext(ctx, &result, `
		SELECT id, run_id, phase, raw, created_at, updated_at
		FROM phase_results WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get phase result by id: %w", err)
	}
	return &result, nil
}

// SaveEdit appends an edit.
func (s *SQLStore) SaveEdit(ctx context.Context, runID string, phase int, patch json.RawMessage) (*Edit, error) {
	edit := &Edit{ID: uuid.New().String(), RunID: runID, Phase: phase, Patch: patch}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO edits (id, run_id, phase, patch)
		VALUES ($1, $2, $3, $4) RETURNING created_at`,
		edit.ID, runID, phase, []byte(patch),
	).Scan(&edit.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert edit: %w", err)
	}
	return edit, nil
}

// GetEdits returns edits ascending. Phase 0 matches all phases.
func (s *SQLStore) GetEdits(ctx context.Context, runID string, phase int) ([]*Edit, error) {
	edits := make([]*Edit, 0)
	query := `SELECT id, run_id, phase, patch, created_at FROM edits
	          WHERE run_id = $1 ORDER BY created_at ASC`
	args := []any{runID}
	if phase != 0 {
		query = `SELECT id, run_id, phase, patch, created_at FROM edits
		         WHERE run_id = $1 AND phase = $2 ORDER BY created_at ASC`
		args = append(args, phase)
	}
	if err := s.db.SelectContext(ctx, &edits, query, args...); err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	return edits, nil
}

// CreateJob inserts a queued job.
func (s *SQLStore) CreateJob(ctx context.Context, runID string, phase int, payload json.RawMessage) (*Job, error) {
	job := &Job{
		ID:      uuid.New().String(),
		RunID:   runID,
		Phase:   phase,
		Status:  JobQueued,
		Payload: payload,
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO jobs (id, run_id, phase, status, progress, logs, payload)
		VALUES ($1, $2, $3, $4, 0, '[]', $5)
		RETURNING created_at, updated_at`,
		job.ID, runID, phase, job.Status, []byte(payload),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// UpdateJob applies the update inside a transaction with a row lock, so the
// FSM rules hold under concurrent workers.
func (s *SQLStore) UpdateJob(ctx context.Context, id string, update JobUpdate) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin job update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row jobRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, run_id, phase, status, progress, logs, payload, result_ref, error_msg, created_at, updated_at
		FROM jobs WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	job, err := row.toJob()
	if err != nil {
		return nil, err
	}
	if err := applyJobUpdate(job, update); err != nil {
		return nil, err
	}

	logs, err := json.Marshal(job.Logs)
	if err != nil {
		return nil, fmt.Errorf("encode job logs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = $2, progress = $3, logs = $4,
		       result_ref = NULLIF($5, ''), error_msg = NULLIF($6, ''), updated_at = now()
		WHERE id = $1`,
		id, job.Status, job.Progress, logs, job.ResultRef, job.ErrorMsg)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job update: %w", err)
	}
	job.UpdatedAt = time.Now()
	return job, nil
}

// GetJob returns a job by id.
func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, run_id, phase, status, progress, logs, payload, result_ref, error_msg, created_at, updated_at
		FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toJob()
}

// GetActiveJob returns the non-terminal job for (run_id, phase).
func (s *SQLStore) GetActiveJob(ctx context.Context, runID string, phase int) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, run_id, phase, status, progress, logs, payload, result_ref, error_msg, created_at, updated_at
		FROM jobs WHERE run_id = $1 AND phase = $2 AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1`, runID, phase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return row.toJob()
}

// SavePromptVersion inserts a version and activates it, deactivating the
// previous active version in the same scope within the same transaction.
func (s *SQLStore) SavePromptVersion(ctx context.Context, version *PromptVersion) (*PromptVersion, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin prompt save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		UPDATE prompt_versions SET is_active = false
		WHERE key = $1 AND COALESCE(project_id, '') = $2`,
		version.Key, version.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("deactivate prompt versions: %w", err)
	}

	copied := *version
	copied.ID = uuid.New().String()
	copied.IsActive = true
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO prompt_versions (id, key, project_id, label, text, is_active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, true)
		RETURNING created_at`,
		copied.ID, copied.Key, copied.ProjectID, copied.Label, copied.Text,
	).Scan(&copied.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert prompt version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prompt save: %w", err)
	}
	return &copied, nil
}

// ListPromptVersions returns versions for (key, scope), newest first.
func (s *SQLStore) ListPromptVersions(ctx context.Context, key, projectID string) ([]*PromptVersion, error) {
	versions := make([]*PromptVersion, 0)
	err := s.db.SelectContext(ctx, &versions, `
		SELECT id, key, COALESCE(project_id, '') AS project_id,
		       COALESCE(label, '') AS label, text, is_active, created_at
		FROM prompt_versions
		WHERE key = $1 AND COALESCE(project_id, '') = $2
		ORDER BY created_at DESC`, key, projectID)
	if err != nil {
		return nil, fmt.Errorf("list prompt versions: %w", err)
	}
	return versions, nil
}

// ActivatePromptVersion atomically flips the active flag within the scope.
func (s *SQLStore) ActivatePromptVersion(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prompt activate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var version PromptVersion
	err = tx.GetContext(ctx, &version, `
		SELECT id, key, COALESCE(project_id, '') AS project_id,
		       COALESCE(label, '') AS label, text, is_active, created_at
		FROM prompt_versions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get prompt version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE prompt_versions SET is_active = false
		WHERE key = $1 AND COALESCE(project_id, '') = $2`,
		version.Key, version.ProjectID)
	if err != nil {
		return fmt.Errorf("deactivate prompt versions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE prompt_versions SET is_active = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("activate prompt version: %w", err)
	}
	return tx.Commit()
}

// ResetPrompt deactivates every version in the scope.
func (s *SQLStore) ResetPrompt(ctx context.Context, key, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prompt_versions SET is_active = false
		WHERE key = $1 AND COALESCE(project_id, '') = $2`, key, projectID)
	if err != nil {
		return fmt.Errorf("reset prompt: %w", err)
	}
	return nil
}

// GetActivePrompt resolves project scope first, then global.
func (s *SQLStore) GetActivePrompt(ctx context.Context, key, projectID string) (*PromptVersion, error) {
	var version PromptVersion
	if projectID != "" {
		err := s.db.GetContext(ctx, &version, `
			SELECT id, key, COALESCE(project_id, '') AS project_id,
			       COALESCE(label, '') AS label, text, is_active, created_at
			FROM prompt_versions
			WHERE key = $1 AND project_id = $2 AND is_active`, key, projectID)
		if err == nil {
			return &version, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get project prompt: %w", err)
		}
	}
	err := s.db.GetContext(ctx, &version, `
		SELECT id, key, COALESCE(project_id, '') AS project_id,
		       COALESCE(label, '') AS label, text, is_active, created_at
		FROM prompt_versions
		WHERE key = $1 AND project_id IS NULL AND is_active`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get global prompt: %w", err)
	}
	return &version, nil
}

// SaveAudit appends an LLM audit record.
func (s *SQLStore) SaveAudit(ctx context.Context, record *llm.AuditRecord) error {
	id := record.ID
	if id == "" {
		id = uuid.New().String()
	}
	var temperature any
	if record.Temperature != nil {
		temperature = *record.Temperature
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_audits (id, provider, model, phase, prompt_fingerprint, result_fingerprint,
		                        input_tokens, output_tokens, latency_ms, temperature, max_tokens, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''))`,
		id, record.Provider, record.Model, record.Phase,
		record.PromptFingerprint, record.ResultFingerprint,
		record.InputTokens, record.OutputTokens, record.LatencyMs,
		temperature, record.MaxTokens, record.Error)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// GetSetting reads a system setting.
func (s *SQLStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT value FROM system_settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a system setting.
func (s *SQLStore) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, []byte(value))
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
