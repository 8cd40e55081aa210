package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/llm"
)

func newTestRun(t *testing.T, s Store) (*Project, *Run) {
	t.Helper()
	ctx := context.Background()
	project, err := s.CreateProject(ctx, "acme-plan", "saas_v1")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, project.ID)
	require.NoError(t, err)
	return project, run
}

func TestProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	project, err := s.CreateProject(ctx, "acme-plan", "saas_v1")
	require.NoError(t, err)
	assert.Equal(t, ProjectCreated, project.Status)
	assert.Equal(t, PhaseMin, project.CurrentPhase)

	project.Status = ProjectActive
	project.CurrentPhase = 3
	project.Memo = "Q3 board review"
	require.NoError(t, s.UpdateProject(ctx, project))

	got, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, ProjectActive, got.Status)
	assert.Equal(t, 3, got.CurrentPhase)
	assert.Equal(t, "Q3 board review", got.Memo)

	_, err = s.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Archived projects drop out of listings.
	got.Status = ProjectArchived
	require.NoError(t, s.UpdateProject(ctx, got))
	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestPhaseResultUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, run := newTestRun(t, s)

	first, err := s.SavePhaseResult(ctx, run.ID, 2, json.RawMessage(`{"segments":[]}`))
	require.NoError(t, err)

	got, err := s.GetPhaseResult(ctx, run.ID, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"segments":[]}`, string(got.Raw))

	// Re-execution replaces the payload but keeps the row id.
	second, err := s.SavePhaseResult(ctx, run.ID, 2, json.RawMessage(`{"segments":[{"name":"SaaS"}]}`))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	byID, err := s.GetPhaseResultByID(ctx, first.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"segments":[{"name":"SaaS"}]}`, string(byID.Raw))
}

func TestEditsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, run := newTestRun(t, s)

	patches := []string{`{"cell":"B4","value":100}`, `{"cell":"B5","value":200}`, `{"cell":"C2","value":3}`}
	for i, patch := range patches {
		phase := 5
		if i == 2 {
			phase = 4
		}
		_, err := s.SaveEdit(ctx, run.ID, phase, json.RawMessage(patch))
		require.NoError(t, err)
	}

	phase5, err := s.GetEdits(ctx, run.ID, 5)
	require.NoError(t, err)
	require.Len(t, phase5, 2)
	assert.JSONEq(t, patches[0], string(phase5[0].Patch))
	assert.JSONEq(t, patches[1], string(phase5[1].Patch))

	all, err := s.GetEdits(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestJobStateMachine(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, run := newTestRun(t, s)

	job, err := s.CreateJob(ctx, run.ID, 2, json.RawMessage(`{"document_id":"d1"}`))
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, 0, job.Progress)

	active, err := s.GetActiveJob(ctx, run.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, job.ID, active.ID)

	running := JobRunning
	progress := 40
	msg := "Analyzing business model"
	job, err = s.UpdateJob(ctx, job.ID, JobUpdate{Status: &running, Progress: &progress, LogMsg: &msg})
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
	assert.Equal(t, 40, job.Progress)
	require.Len(t, job.Logs, 1)
	assert.Equal(t, msg, job.Logs[0].Message)

	// Progress never moves backward.
	lower := 10
	job, err = s.UpdateJob(ctx, job.ID, JobUpdate{Progress: &lower})
	require.NoError(t, err)
	assert.Equal(t, 40, job.Progress)

	// Progress caps at 100.
	over := 150
	job, err = s.UpdateJob(ctx, job.ID, JobUpdate{Progress: &over})
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)

	done := JobCompleted
	ref := "phase_results/abc"
	job, err = s.UpdateJob(ctx, job.ID, JobUpdate{Status: &done, ResultRef: &ref})
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, ref, job.ResultRef)

	// Terminal states absorb.
	back := JobRunning
	_, err = s.UpdateJob(ctx, job.ID, JobUpdate{Status: &back})
	assert.ErrorIs(t, err, ErrTerminalJob)

	// result_ref is write-once.
	other := "phase_results/other"
	_, err = s.UpdateJob(ctx, job.ID, JobUpdate{ResultRef: &other})
	assert.ErrorIs(t, err, ErrResultRefSet)

	// A completed job is no longer active.
	_, err = s.GetActiveJob(ctx, run.ID, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobErrorMessageTruncated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, run := newTestRun(t, s)

	job, err := s.CreateJob(ctx, run.ID, 5, nil)
	require.NoError(t, err)

	failed := JobFailed
	long := strings.Repeat("x", 600)
	job, err = s.UpdateJob(ctx, job.ID, JobUpdate{Status: &failed, ErrorMsg: &long})
	require.NoError(t, err)
	assert.Len(t, job.ErrorMsg, 500)
}

func TestPromptVersionScoping(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	global, err := s.SavePromptVersion(ctx, &PromptVersion{Key: "bm_analyzer_system", Text: "global v1"})
	require.NoError(t, err)
	assert.True(t, global.IsActive)

	scoped, err := s.SavePromptVersion(ctx, &PromptVersion{
		Key: "bm_analyzer_system", ProjectID: "p1", Text: "project v1",
	})
	require.NoError(t, err)

	// Project scope wins over global.
	got, err := s.GetActivePrompt(ctx, "bm_analyzer_system", "p1")
	require.NoError(t, err)
	assert.Equal(t, "project v1", got.Text)

	// Other projects fall through to global.
	got, err = s.GetActivePrompt(ctx, "bm_analyzer_system", "p2")
	require.NoError(t, err)
	assert.Equal(t, "global v1", got.Text)

	// Saving a second version in the same scope deactivates the first.
	_, err = s.SavePromptVersion(ctx, &PromptVersion{
		Key: "bm_analyzer_system", ProjectID: "p1", Text: "project v2",
	})
	require.NoError(t, err)
	got, err = s.GetActivePrompt(ctx, "bm_analyzer_system", "p1")
	require.NoError(t, err)
	assert.Equal(t, "project v2", got.Text)

	// Reactivating the old version flips back.
	require.NoError(t, s.ActivatePromptVersion(ctx, scoped.ID))
	got, err = s.GetActivePrompt(ctx, "bm_analyzer_system", "p1")
	require.NoError(t, err)
	assert.Equal(t, "project v1", got.Text)

	// Reset clears the scope entirely.
	require.NoError(t, s.ResetPrompt(ctx, "bm_analyzer_system", "p1"))
	_, err = s.GetActivePrompt(ctx, "bm_analyzer_system", "p1")
	require.NoError(t, err) // global still active
	require.NoError(t, s.ResetPrompt(ctx, "bm_analyzer_system", ""))
	_, err = s.GetActivePrompt(ctx, "bm_analyzer_system", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectStateJoin(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	project, run := newTestRun(t, s)

	_, err := s.CreateDocument(ctx, &Document{
		ProjectID: project.ID, Kind: DocumentKindText, CharCount: 12, Text: "business plan",
	})
	require.NoError(t, err)
	_, err = s.SavePhaseResult(ctx, run.ID, 1, json.RawMessage(`{"sheets":[]}`))
	require.NoError(t, err)
	_, err = s.SaveEdit(ctx, run.ID, 4, json.RawMessage(`{"feedback":"add churn"}`))
	require.NoError(t, err)

	state, err := s.GetProjectState(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.ID, state.Project.ID)
	require.NotNil(t, state.Run)
	assert.Equal(t, run.ID, state.Run.ID)
	assert.Len(t, state.Documents, 1)
	assert.Len(t, state.Edits, 1)
	require.Contains(t, state.PhaseResults, 1)
	assert.JSONEq(t, `{"sheets":[]}`, string(state.PhaseResults[1].Raw))
}

func TestLLMConfigResolution(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Built-in fallback when nothing is configured.
	cfg := GetLLMDefault(ctx, s)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.NotEmpty(t, cfg.Model)

	require.NoError(t, s.SetSetting(ctx, SettingLLMDefault,
		json.RawMessage(`{"provider":"ollama","model":"qwen2.5:32b"}`)))
	cfg = GetLLMDefault(ctx, s)
	assert.Equal(t, "ollama", cfg.Provider)
	assert.Equal(t, "qwen2.5:32b", cfg.Model)

	// Per-project override wins.
	project, err := s.CreateProject(ctx, "acme-plan", "")
	require.NoError(t, err)
	project.LLMProvider = "openai"
	require.NoError(t, s.UpdateProject(ctx, project))

	cfg = GetProjectLLMConfig(ctx, s, project.ID)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, llm.DefaultModel("openai", llm.TierStandard), cfg.Model)
}

func TestAuditAppend(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveAudit(ctx, &llm.AuditRecord{
		Provider: "anthropic", Model: "claude-sonnet-4-20250514", Phase: 2,
		InputTokens: 1200, OutputTokens: 400,
	}))
	records := s.Audits()
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, 2, records[0].Phase)
}
