package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/job"
	"github.com/planforge/planforge/llm/testutil"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/store"
)

const planDocument = "初年度の売上高は3,000万円を計画している。売上成長率は20%を想定。売上原価率は40%。"

type fixture struct {
	store      store.Store
	runner     *job.Runner
	controller *Controller
	project    *store.Project
	document   *store.Document
}

func newFixture(t *testing.T, mock *testutil.MockGenerator) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	runner := job.NewRunner(s)
	registry := prompt.NewRegistry(s, nil)
	controller := NewController(s, runner, mock, registry,
		WithArtifactsDir(t.TempDir()))
	require.NoError(t, runner.Start(ctx))
	t.Cleanup(runner.Stop)

	project, err := s.CreateProject(ctx, "acme-plan", "standard_5y")
	require.NoError(t, err)
	doc, err := s.CreateDocument(ctx, &store.Document{
		ProjectID: project.ID, Kind: store.DocumentKindText,
		Text: planDocument, CharCount: len([]rune(planDocument)),
	})
	require.NoError(t, err)

	return &fixture{store: s, runner: runner, controller: controller, project: project, document: doc}
}

func (f *fixture) waitJob(t *testing.T, ticket *JobTicket) *JobView {
	t.Helper()
	var view *JobView
	require.Eventually(t, func() bool {
		got, err := f.controller.GetJob(context.Background(), ticket.JobID)
		if err != nil {
			return false
		}
		view = got
		return view.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

const (
	phase2Raw = `{"proposals":[{"industry":"SaaS","model_type":"subscription","executive_summary":"B2B SaaS",
		"segments":[{"name":"Enterprise","revenue_driver":"seats"},{"name":"SMB","revenue_driver":"self-serve"}],
		"currency":"JPY"}]}`
	phase3Raw = `{"overall_structure":"revenue drives the P&L",
		"sheet_mappings":[{"sheet":"Revenue","segment":"Enterprise","purpose":"revenue_model"}]}`
	phase4Raw = `{"cell_assignments":[
		{"sheet":"Revenue","cell":"C4","label":"初年度売上高","concept":"first_year_revenue","category":"revenue","unit":"円","period":"FY1"},
		{"sheet":"Revenue","cell":"C5","label":"売上成長率","concept":"growth_rate","category":"revenue","unit":"%","period":"FY1-FY5"}]}`
	phase5Raw = `{"extractions":[
		{"sheet":"Revenue","cell":"C4","label":"初年度売上高","concept":"first_year_revenue","value":30000000,"unit":"円",
		 "source":"document","confidence":0.9,"evidence":{"quote":"初年度の売上高は3,000万円を計画している。"}},
		{"sheet":"Revenue","cell":"C5","label":"売上成長率","concept":"growth_rate","value":20,"unit":"%",
		 "source":"document","confidence":0.85,"evidence":{"quote":"売上成長率は20%を想定。"}}]}`
)

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	mock := &testutil.MockGenerator{Raw: []string{phase2Raw, phase3Raw, phase4Raw, phase5Raw}}
	f := newFixture(t, mock)

	// Phase 1 is synchronous and seeds the catalog.
	scan, err := f.controller.Scan(ctx, ScanRequest{
		ProjectID: f.project.ID, DocumentID: f.document.ID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, scan.Catalog)
	assert.Equal(t, len([]rune(planDocument)), scan.DocumentSummary.TotalChars)

	// Phase 2.
	ticket, err := f.controller.StartPhase2(ctx, Phase2Request{
		ProjectID: f.project.ID, DocumentID: f.document.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", ticket.Status)
	assert.Equal(t, "/v1/jobs/"+ticket.JobID, ticket.PollURL)

	view := f.waitJob(t, ticket)
	require.Equal(t, store.JobCompleted, view.Status)
	require.NotEmpty(t, view.ResultData, "completed poll must inline result_data")

	// Phase 3 with the first proposal selected.
	ticket, err = f.controller.StartPhase3(ctx, Phase3Request{
		ProjectID:        f.project.ID,
		SelectedProposal: json.RawMessage(`{"industry":"SaaS"}`),
	})
	require.NoError(t, err)
	view = f.waitJob(t, ticket)
	require.Equal(t, store.JobCompleted, view.Status)

	// Phase 4 passes the gate now that phase 3 is stored.
	ticket, err = f.controller.StartPhase4(ctx, Phase4Request{ProjectID: f.project.ID})
	require.NoError(t, err)
	view = f.waitJob(t, ticket)
	require.Equal(t, store.JobCompleted, view.Status)

	// Phase 5.
	ticket, err = f.controller.StartPhase5(ctx, Phase5Request{ProjectID: f.project.ID})
	require.NoError(t, err)
	view = f.waitJob(t, ticket)
	require.Equal(t, store.JobCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)

	// Recalc picks the extracted drivers up from the stored phase 5 result.
	recalc, err := f.controller.Recalc(ctx, RecalcRequest{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(30_000_000), recalc.PLSummary[0].Revenue)
	assert.Equal(t, int64(36_000_000), recalc.PLSummary[1].Revenue) // 20% growth
	assert.Equal(t, ScenarioBase, recalc.Scenario)

	// Export emits the workbook and the artifact downloads.
	ticket, err = f.controller.StartExport(ctx, ExportRequest{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.DownloadURL)
	view = f.waitJob(t, ticket)
	require.Equal(t, store.JobCompleted, view.Status, "export failed: %s", view.ErrorMsg)

	artifact, err := f.controller.ExportFile(ctx, ticket.JobID)
	require.NoError(t, err)
	assert.Equal(t, "acme-plan.xlsx", artifact.Filename)
	_, err = os.Stat(artifact.Path)
	require.NoError(t, err)

	// The project advanced through the phases.
	project, err := f.store.GetProject(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectCompleted, project.Status)
}

func TestPhase4Gating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &testutil.MockGenerator{})
	run, err := f.store.CreateRun(ctx, f.project.ID)
	require.NoError(t, err)

	// No phase 3 result at all.
	_, err = f.controller.StartPhase4(ctx, Phase4Request{ProjectID: f.project.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, "PHASE3_NOT_COMPLETED", apperr.CodeOf(err))

	// Present but empty.
	_, err = f.store.SavePhaseResult(ctx, run.ID, 3, json.RawMessage(`{"overall_structure":"x","sheet_mappings":[]}`))
	require.NoError(t, err)
	_, err = f.controller.StartPhase4(ctx, Phase4Request{ProjectID: f.project.ID})
	require.Error(t, err)
	assert.Equal(t, "PHASE3_EMPTY_RESULT", apperr.CodeOf(err))

	// Estimation mode bypasses the empty gate and is recorded on the job.
	ticket, err := f.controller.StartPhase4(ctx, Phase4Request{ProjectID: f.project.ID, AllowEstimation: true})
	require.NoError(t, err)
	j, err := f.store.GetJob(ctx, ticket.JobID)
	require.NoError(t, err)
	var payload phasePayload
	require.NoError(t, json.Unmarshal(j.Payload, &payload))
	assert.True(t, payload.Estimation)
}

func TestDuplicateJobRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &testutil.MockGenerator{})
	run, err := f.store.CreateRun(ctx, f.project.ID)
	require.NoError(t, err)

	// A queued job for (run, phase 2) already exists.
	_, err = f.store.CreateJob(ctx, run.ID, 2, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = f.controller.StartPhase2(ctx, Phase2Request{
		ProjectID: f.project.ID, DocumentID: f.document.ID,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestStartPhaseValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &testutil.MockGenerator{})

	_, err := f.controller.StartPhase2(ctx, Phase2Request{ProjectID: f.project.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.controller.StartPhase2(ctx, Phase2Request{ProjectID: "missing", DocumentID: "x"})
	require.Error(t, err)
	assert.Equal(t, "PROJECT_NOT_FOUND", apperr.CodeOf(err))

	_, err = f.controller.StartPhase2(ctx, Phase2Request{ProjectID: f.project.ID, DocumentID: "missing"})
	require.Error(t, err)
	assert.Equal(t, "DOCUMENT_NOT_FOUND", apperr.CodeOf(err))
}

func TestRecalcWithoutProject(t *testing.T) {
	f := newFixture(t, &testutil.MockGenerator{})

	recalc, err := f.controller.Recalc(context.Background(), RecalcRequest{
		Parameters: map[string]float64{DriverRevenueFY1: 50_000_000, DriverGrowthRate: 0.1},
		Scenario:   ScenarioBase,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), recalc.PLSummary[0].Revenue)
	assert.Equal(t, int64(55_000_000), recalc.PLSummary[1].Revenue)

	_, err = f.controller.Recalc(context.Background(), RecalcRequest{Scenario: "optimistic"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &testutil.MockGenerator{})

	require.NoError(t, f.controller.SaveEdit(ctx, f.project.ID, 4, json.RawMessage(`{"n":1}`)))
	require.NoError(t, f.controller.SaveEdit(ctx, f.project.ID, 4, json.RawMessage(`{"n":2}`)))

	history, err := f.controller.History(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.JSONEq(t, `{"n":2}`, string(history[0].Patch))
	assert.JSONEq(t, `{"n":1}`, string(history[1].Patch))
}
