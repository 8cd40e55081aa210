package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/planforge/llm"
)

// MemoryStore is the in-process fallback backend: maps with per-table locks,
// mirroring the SQL schema. Used for dev and whenever no DSN is configured.
type MemoryStore struct {
	projectsMu sync.RWMutex
	projects   map[string]*Project

	documentsMu sync.RWMutex
	documents   map[string]*Document

	runsMu sync.RWMutex
	runs   map[string]*Run

	resultsMu sync.RWMutex
	results   map[string]*PhaseResult // keyed by id

	editsMu sync.RWMutex
	edits   []*Edit

	jobsMu sync.RWMutex
	jobs   map[string]*Job

	promptsMu sync.RWMutex
	prompts   map[string]*PromptVersion

	auditsMu sync.RWMutex
	audits   []*llm.AuditRecord

	settingsMu sync.RWMutex
	settings   map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:  make(map[string]*Project),
		documents: make(map[string]*Document),
		runs:      make(map[string]*Run),
		results:   make(map[string]*PhaseResult),
		jobs:      make(map[string]*Job),
		prompts:   make(map[string]*PromptVersion),
		settings:  make(map[string]json.RawMessage),
	}
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

// CreateProject creates a project in the created state at phase 1.
func (s *MemoryStore) CreateProject(_ context.Context, name, templateID string) (*Project, error) {
	now := time.Now()
	project := &Project{
		ID:           uuid.New().String(),
		Name:         name,
		TemplateID:   templateID,
		Status:       ProjectCreated,
		CurrentPhase: PhaseMin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.projectsMu.Lock()
	s.projects[project.ID] = project
	s.projectsMu.Unlock()

	copied := *project
	return &copied, nil
}

// GetProject retrieves a project by id.
func (s *MemoryStore) GetProject(_ context.Context, id string) (*Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *project
	return &copied, nil
}

// ListProjects returns all non-archived projects, newest first.
func (s *MemoryStore) ListProjects(_ context.Context) ([]*Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()

	out := make([]*Project, 0, len(s.projects))
	for _, project := range s.projects {
		if project.Status == ProjectArchived {
			continue
		}
		copied := *project
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateProject overwrites mutable project fields.
func (s *MemoryStore) UpdateProject(_ context.Context, project *Project) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	existing, ok := s.projects[project.ID]
	if !ok {
		return ErrNotFound
	}
	updated := *project
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	s.projects[project.ID] = &updated
	return nil
}

// GetProjectState joins the project with its latest run, phase results,
// documents and edits.
func (s *MemoryStore) GetProjectState(ctx context.Context, id string) (*ProjectState, error) {
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

	s.documentsMu.RLock()
	for _, doc := range s.documents {
		if doc.ProjectID == id {
			copied := *doc
			state.Documents = append(state.Documents, &copied)
		}
	}
	s.documentsMu.RUnlock()
	sort.Slice(state.Documents, func(i, j int) bool {
		return state.Documents[i].CreatedAt.Before(state.Documents[j].CreatedAt)
	})

	run, err := s.GetLatestRun(ctx, id)
	if err != nil {
		return state, nil // no run yet
	}
	state.Run = run

	s.resultsMu.RLock()
	for _, result := range s.results {
		if result.RunID == run.ID {
			copied := *result
			state.PhaseResults[result.Phase] = &copied
		}
	}
	s.resultsMu.RUnlock()

	edits, err := s.GetEdits(ctx, run.ID, 0)
	if err == nil {
		state.Edits = edits
	}
	return state, nil
}

// CreateDocument stores a document. Documents are immutable after upload.
func (s *MemoryStore) CreateDocument(_ context.Context, doc *Document) (*Document, error) {
	copied := *doc
	copied.ID = uuid.New().String()
	copied.CreatedAt = time.Now()

	s.documentsMu.Lock()
	s.documents[copied.ID] = &copied
	s.documentsMu.Unlock()

	out := copied
	return &out, nil
}

// GetDocument retrieves a document by id, extracted text included.
func (s *MemoryStore) GetDocument(_ context.Context, id string) (*Document, error) {
	s.documentsMu.RLock()
	defer s.documentsMu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

// CreateRun starts a new pipeline attempt for a project.
func (s *MemoryStore) CreateRun(_ context.Context, projectID string) (*Run, error) {
	s.projectsMu.RLock()
	_, ok := s.projects[projectID]
	s.projectsMu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	run := &Run{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		CreatedAt: time.Now(),
	}
	s.runsMu.Lock()
	s.runs[run.ID] = run
	s.runsMu.Unlock()

	copied := *run
	return &copied, nil
}

// GetLatestRun returns the newest run for a project.
func (s *MemoryStore) GetLatestRun(_ context.Context, projectID string) (*Run, error) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	var latest *Run
	for _, run := range s.runs {
		if run.ProjectID != projectID {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

// SavePhaseResult upserts by (run_id, phase). The row id is stable across
// replacements so job result references stay valid.
func (s *MemoryStore) SavePhaseResult(_ context.Context, runID string, phase int, raw json.RawMessage) (*PhaseResult, error) {
	now := time.Now()

	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	for _, existing := range s.results {
		if existing.RunID == runID && existing.Phase == phase {
			existing.Raw = append(json.RawMessage(nil), raw...)
			existing.UpdatedAt = now
			copied := *existing
			return &copied, nil
		}
	}

	result := &PhaseResult{
		ID:        uuid.New().String(),
		RunID:     runID,
		Phase:     phase,
		Raw:       append(json.RawMessage(nil), raw...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.results[result.ID] = result
	copied := *result
	return &copied, nil
}

// GetPhaseResult returns the result for (run_id, phase).
func (s *MemoryStore) GetPhaseResult(_ context.Context, runID string, phase int) (*PhaseResult, error) {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	for _, result := range s.results {
		if result.RunID == runID && result.Phase == phase {
			copied := *result
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// GetPhaseResultByID returns a result by row id.
func (s *MemoryStore) GetPhaseResultByID(_ context.Context, id string) (*PhaseResult, error) {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	result, ok := s.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *result
	return &copied, nil
}

// SaveEdit appends an edit. Edits are never updated or deleted.
func (s *MemoryStore) SaveEdit(_ context.Context, runID string, phase int, patch json.RawMessage) (*Edit, error) {
	edit := &Edit{
		ID:        uuid.New().String(),
		RunID:     runID,
		Phase:     phase,
		Patch:     append(json.RawMessage(nil), patch...),
		CreatedAt: time.Now(),
	}
	s.editsMu.Lock()
	s.edits = append(s.edits, edit)
	s.editsMu.Unlock()

	copied := *edit
	return &copied, nil
}

// GetEdits returns edits ascending by creation time. Phase 0 matches all
// phases.
func (s *MemoryStore) GetEdits(_ context.Context, runID string, phase int) ([]*Edit, error) {
	s.editsMu.RLock()
	defer s.editsMu.RUnlock()

	out := make([]*Edit, 0)
	for _, edit := range s.edits {
		if edit.RunID != runID {
			continue
		}
		if phase != 0 && edit.Phase != phase {
			continue
		}
		copied := *edit
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateJob persists a queued job record.
func (s *MemoryStore) CreateJob(_ context.Context, runID string, phase int, payload json.RawMessage) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		RunID:     runID,
		Phase:     phase,
		Status:    JobQueued,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()

	return copyJob(job), nil
}

// UpdateJob applies the update under the job FSM rules.
func (s *MemoryStore) UpdateJob(_ context.Context, id string, update JobUpdate) (*Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyJobUpdate(job, update); err != nil {
		return nil, err
	}
	return copyJob(job), nil
}

// GetJob returns a job by id.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

// GetActiveJob returns the non-terminal job for (run_id, phase).
func (s *MemoryStore) GetActiveJob(_ context.Context, runID string, phase int) (*Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	for _, job := range s.jobs {
		if job.RunID == runID && job.Phase == phase && !job.Status.Terminal() {
			return copyJob(job), nil
		}
	}
	return nil, ErrNotFound
}

// SavePromptVersion stores a new version and activates it within its scope.
func (s *MemoryStore) SavePromptVersion(_ context.Context, version *PromptVersion) (*PromptVersion, error) {
	copied := *version
	copied.ID = uuid.New().String()
	copied.IsActive = true
	copied.CreatedAt = time.Now()

	s.promptsMu.Lock()
	defer s.promptsMu.Unlock()
	for _, existing := range s.prompts {
		if existing.Key == copied.Key && existing.ProjectID == copied.ProjectID {
			existing.IsActive = false
		}
	}
	s.prompts[copied.ID] = &copied

	out := copied
	return &out, nil
}

// ListPromptVersions returns versions for (key, scope), newest first.
func (s *MemoryStore) ListPromptVersions(_ context.Context, key, projectID string) ([]*PromptVersion, error) {
	s.promptsMu.RLock()
	defer s.promptsMu.RUnlock()

	out := make([]*PromptVersion, 0)
	for _, version := range s.prompts {
		if version.Key == key && version.ProjectID == projectID {
			copied := *version
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ActivatePromptVersion makes one version active, deactivating siblings in
// the same scope.
func (s *MemoryStore) ActivatePromptVersion(_ context.Context, id string) error {
	s.promptsMu.Lock()
	defer s.promptsMu.Unlock()

	target, ok := s.prompts[id]
	if !ok {
		return ErrNotFound
	}
	for _, version := range s.prompts {
		if version.Key == target.Key && version.ProjectID == target.ProjectID {
			version.IsActive = false
		}
	}
	target.IsActive = true
	return nil
}

// ResetPrompt deactivates every version in the scope, restoring the built-in
// default at resolution time.
func (s *MemoryStore) ResetPrompt(_ context.Context, key, projectID string) error {
	s.promptsMu.Lock()
	defer s.promptsMu.Unlock()
	for _, version := range s.prompts {
		if version.Key == key && version.ProjectID == projectID {
			version.IsActive = false
		}
	}
	return nil
}

// GetActivePrompt resolves the active override: project scope first, then
// global.
func (s *MemoryStore) GetActivePrompt(_ context.Context, key, projectID string) (*PromptVersion, error) {
	s.promptsMu.RLock()
	defer s.promptsMu.RUnlock()

	if projectID != "" {
		for _, version := range s.prompts {
			if version.Key == key && version.ProjectID == projectID && version.IsActive {
				copied := *version
				return &copied, nil
			}
		}
	}
	for _, version := range s.prompts {
		if version.Key == key && version.ProjectID == "" && version.IsActive {
			copied := *version
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// SaveAudit appends an audit record.
func (s *MemoryStore) SaveAudit(_ context.Context, record *llm.AuditRecord) error {
	copied := *record
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	s.auditsMu.Lock()
	s.audits = append(s.audits, &copied)
	s.auditsMu.Unlock()
	return nil
}

// Audits returns a copy of the audit table (test support).
func (s *MemoryStore) Audits() []*llm.AuditRecord {
	s.auditsMu.RLock()
	defer s.auditsMu.RUnlock()
	out := make([]*llm.AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}

// GetSetting reads a system setting.
func (s *MemoryStore) GetSetting(_ context.Context, key string) (json.RawMessage, error) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	value, ok := s.settings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), value...), nil
}

// SetSetting writes a system setting.
func (s *MemoryStore) SetSetting(_ context.Context, key string, value json.RawMessage) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings[key] = append(json.RawMessage(nil), value...)
	return nil
}

// applyJobUpdate enforces the job FSM: terminal states absorb, progress is
// monotone, logs append in order, result_ref is write-once.
func applyJobUpdate(job *Job, update JobUpdate) error {
	if update.Status != nil && *update.Status != job.Status {
		if job.Status.Terminal() {
			return ErrTerminalJob
		}
		job.Status = *update.Status
	}
	if update.Progress != nil && *update.Progress > job.Progress {
		progress := *update.Progress
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
	}
	if update.LogMsg != nil {
		job.Logs = append(job.Logs, LogEntry{Time: time.Now(), Message: *update.LogMsg})
	}
	if update.ResultRef != nil {
		if job.ResultRef != "" && job.ResultRef != *update.ResultRef {
			return ErrResultRefSet
		}
		job.ResultRef = *update.ResultRef
	}
	if update.ErrorMsg != nil {
		msg := *update.ErrorMsg
		if len(msg) > 500 {
			msg = msg[:500]
		}
		job.ErrorMsg = msg
	}
	job.UpdatedAt = time.Now()
	return nil
}

func copyJob(job *Job) *Job {
	copied := *job
	copied.Logs = append([]LogEntry(nil), job.Logs...)
	copied.Payload = append(json.RawMessage(nil), job.Payload...)
	return &copied
}
