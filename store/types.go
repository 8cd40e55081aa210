// Package store persists the pipeline's data plane: projects, documents,
// runs, phase results, edits, jobs, prompt versions, audits and settings.
// Two interchangeable backends implement the same interface: Postgres via
// sqlx, and an in-process fallback used when no DSN is configured.
package store

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the project lifecycle state.
type ProjectStatus string

const (
	ProjectCreated   ProjectStatus = "created"
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

// Document kinds.
const (
	DocumentKindFile = "file"
	DocumentKindText = "text"
)

// JobStatus is the async job FSM state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether a status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout:
		return true
	}
	return false
}

// Pipeline phase bounds. Phase 1 is the synchronous scan, 2-5 the LLM-backed
// jobs, 6 the artifact emission.
const (
	PhaseMin = 1
	PhaseMax = 6
)

// Project is a user-owned container for documents and runs.
type Project struct {
	ID           string        `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	TemplateID   string        `json:"template_id,omitempty" db:"template_id"`
	Status       ProjectStatus `json:"status" db:"status"`
	CurrentPhase int           `json:"current_phase" db:"current_phase"`
	Memo         string        `json:"memo,omitempty" db:"memo"`
	LLMProvider  string        `json:"llm_provider,omitempty" db:"llm_provider"`
	LLMModel     string        `json:"llm_model,omitempty" db:"llm_model"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// Document is an uploaded file or pasted text. Immutable after upload.
type Document struct {
	ID          string    `json:"id" db:"id"`
	ProjectID   string    `json:"project_id" db:"project_id"`
	Kind        string    `json:"kind" db:"kind"`
	Filename    string    `json:"filename,omitempty" db:"filename"`
	Size        int64     `json:"size" db:"size"`
	CharCount   int       `json:"extracted_char_count" db:"char_count"`
	Text        string    `json:"-" db:"text"`
	StoragePath string    `json:"storage_path,omitempty" db:"storage_path"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Run is one pipeline attempt for a project. The latest run is active.
type Run struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PhaseResult is the persisted outcome of one phase of one run, unique per
// (run_id, phase). A re-execution replaces the row; history lives in Edits.
type PhaseResult struct {
	ID        string          `json:"id" db:"id"`
	RunID     string          `json:"run_id" db:"run_id"`
	Phase     int             `json:"phase" db:"phase"`
	Raw       json.RawMessage `json:"raw" db:"raw"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Edit is an append-only patch against a phase's output: user feedback,
// selected alternatives, or per-cell overrides.
type Edit struct {
	ID        string          `json:"id" db:"id"`
	RunID     string          `json:"run_id" db:"run_id"`
	Phase     int             `json:"phase" db:"phase"`
	Patch     json.RawMessage `json:"patch" db:"patch"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// LogEntry is one ordered job log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Job is an async execution record with monotone progress, ordered logs and
// a finite state machine ending in completed / failed / timeout.
type Job struct {
	ID        string          `json:"id" db:"id"`
	RunID     string          `json:"run_id" db:"run_id"`
	Phase     int             `json:"phase" db:"phase"`
	Status    JobStatus       `json:"status" db:"status"`
	Progress  int             `json:"progress" db:"progress"`
	Logs      []LogEntry      `json:"logs"`
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`
	ResultRef string          `json:"result_ref,omitempty" db:"result_ref"`
	ErrorMsg  string          `json:"error_msg,omitempty" db:"error_msg"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// JobUpdate carries the fields to change on a job. Nil fields are untouched.
type JobUpdate struct {
	Status    *JobStatus
	Progress  *int
	LogMsg    *string
	ResultRef *string
	ErrorMsg  *string
}

// PromptVersion is a saved override for a named prompt. ProjectID empty
// means global scope. At most one active version per (key, scope).
type PromptVersion struct {
	ID        string    `json:"id" db:"id"`
	Key       string    `json:"key" db:"key"`
	ProjectID string    `json:"project_id,omitempty" db:"project_id"`
	Label     string    `json:"label,omitempty" db:"label"`
	Text      string    `json:"text" db:"text"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LLMConfig pairs a provider with a model.
type LLMConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// ProjectState is the joined view served by the project state endpoint.
type ProjectState struct {
	Project      *Project             `json:"project"`
	Run          *Run                 `json:"run,omitempty"`
	PhaseResults map[int]*PhaseResult `json:"phase_results"`
	Documents    []*Document          `json:"documents"`
	Edits        []*Edit              `json:"pending_edits"`
}
