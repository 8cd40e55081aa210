package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/planforge/planforge/llm"
)

// Sentinel errors shared by both backends.
var (
	// ErrNotFound means the entity does not exist.
	ErrNotFound = fmt.Errorf("not found")
	// ErrTerminalJob means an update tried to leave a terminal job status.
	ErrTerminalJob = fmt.Errorf("job is in a terminal state")
	// ErrResultRefSet means a job's result reference was already set.
	ErrResultRefSet = fmt.Errorf("job result reference already set")
)

// SettingLLMDefault is the system_settings key for the process-wide LLM
// default.
const SettingLLMDefault = "llm_default"

// Store is the state-store contract shared by the SQL and in-memory
// backends.
type Store interface {
	CreateProject(ctx context.Context, name, templateID string) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	UpdateProject(ctx context.Context, project *Project) error
	GetProjectState(ctx context.Context, id string) (*ProjectState, error)

	CreateDocument(ctx context.Context, doc *Document) (*Document, error)
	GetDocument(ctx context.Context, id string) (*Document, error)

	CreateRun(ctx context.Context, projectID string) (*Run, error)
	GetLatestRun(ctx context.Context, projectID string) (*Run, error)

	// SavePhaseResult upserts by (run_id, phase) and returns the stored row.
	SavePhaseResult(ctx context.Context, runID string, phase int, raw json.RawMessage) (*PhaseResult, error)
	GetPhaseResult(ctx context.Context, runID string, phase int) (*PhaseResult, error)
	GetPhaseResultByID(ctx context.Context, id string) (*PhaseResult, error)

	SaveEdit(ctx context.Context, runID string, phase int, patch json.RawMessage) (*Edit, error)
	// GetEdits returns edits for a phase ordered by creation time ascending.
	// Phase 0 returns all edits for the run.
	GetEdits(ctx context.Context, runID string, phase int) ([]*Edit, error)

	CreateJob(ctx context.Context, runID string, phase int, payload json.RawMessage) (*Job, error)
	// UpdateJob applies each non-nil field: status follows the FSM
	// (terminal states absorbing), progress may only increase, log
	// messages append with a timestamp, result_ref is write-once.
	UpdateJob(ctx context.Context, id string, update JobUpdate) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	// GetActiveJob returns the non-terminal job for (run_id, phase),
	// ErrNotFound when none exists.
	GetActiveJob(ctx context.Context, runID string, phase int) (*Job, error)

	// SavePromptVersion persists a new version and activates it,
	// deactivating the previous active version in the same scope.
	SavePromptVersion(ctx context.Context, version *PromptVersion) (*PromptVersion, error)
	ListPromptVersions(ctx context.Context, key, projectID string) ([]*PromptVersion, error)
	ActivatePromptVersion(ctx context.Context, id string) error
	// ResetPrompt deactivates all versions for (key, scope).
	ResetPrompt(ctx context.Context, key, projectID string) error
	// GetActivePrompt resolves per-project scope first, then global.
	GetActivePrompt(ctx context.Context, key, projectID string) (*PromptVersion, error)

	SaveAudit(ctx context.Context, record *llm.AuditRecord) error

	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	SetSetting(ctx context.Context, key string, value json.RawMessage) error

	Close() error
}

// Open selects the backend: a configured DSN gets one connection attempt;
// on failure (or with no DSN) the in-memory backend serves for the process's
// lifetime.
func Open(ctx context.Context, dsn string, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		logger.Info("No database DSN configured, using in-memory store")
		return NewMemoryStore()
	}

	sqlStore, err := NewSQLStore(ctx, dsn, logger)
	if err != nil {
		logger.Warn("SQL store init failed, falling back to in-memory store", "error", err)
		return NewMemoryStore()
	}
	logger.Info("Connected to SQL store")
	return sqlStore
}

// GetLLMDefault reads the process default LLM config from system settings,
// falling back to the built-in default when unset.
func GetLLMDefault(ctx context.Context, s Store) LLMConfig {
	fallback := LLMConfig{Provider: "anthropic", Model: llm.DefaultModel("anthropic", llm.TierStandard)}

	raw, err := s.GetSetting(ctx, SettingLLMDefault)
	if err != nil {
		return fallback
	}
	var cfg LLMConfig
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.Provider == "" {
		return fallback
	}
	if cfg.Model == "" {
		cfg.Model = llm.DefaultModel(cfg.Provider, llm.TierStandard)
	}
	return cfg
}

// GetProjectLLMConfig resolves the effective LLM config for a project:
// per-project overrides win over the system default.
func GetProjectLLMConfig(ctx context.Context, s Store, projectID string) LLMConfig {
	cfg := GetLLMDefault(ctx, s)
	if projectID == "" {
		return cfg
	}
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return cfg
	}
	if project.LLMProvider != "" {
		cfg.Provider = project.LLMProvider
		cfg.Model = llm.DefaultModel(cfg.Provider, llm.TierStandard)
	}
	if project.LLMModel != "" {
		cfg.Model = project.LLMModel
	}
	return cfg
}
