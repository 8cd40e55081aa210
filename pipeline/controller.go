package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/planforge/planforge/agent"
	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/guard"
	"github.com/planforge/planforge/job"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/store"
)

// Estimated streamed output size per phase, in characters. Drives the
// token-based progress signal.
var outputEstimates = map[int]int{
	2: 4000,
	3: 2500,
	4: 6000,
	5: 6000,
}

// phasePayload is the job payload shared by phases 2 to 6.
type phasePayload struct {
	ProjectID        string          `json:"project_id"`
	DocumentID       string          `json:"document_id,omitempty"`
	Feedback         string          `json:"feedback,omitempty"`
	SelectedProposal json.RawMessage `json:"selected_proposal,omitempty"`
	Estimation       bool            `json:"estimation,omitempty"`
	StrictMode       bool            `json:"strict_mode,omitempty"`
	Filename         string          `json:"filename,omitempty"`
}

// JobTicket is the 202 response for an accepted async phase.
type JobTicket struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	Phase          int    `json:"phase"`
	PollURL        string `json:"poll_url"`
	DownloadURL    string `json:"download_url,omitempty"`
	EstimationMode bool   `json:"estimation_mode,omitempty"`
}

// Request bodies for the async phases.
type (
	Phase2Request struct {
		ProjectID  string `json:"project_id" validate:"required"`
		DocumentID string `json:"document_id" validate:"required"`
		Feedback   string `json:"feedback"`
	}
	Phase3Request struct {
		ProjectID        string          `json:"project_id" validate:"required"`
		SelectedProposal json.RawMessage `json:"selected_proposal"`
		Feedback         string          `json:"feedback"`
	}
	Phase4Request struct {
		ProjectID       string `json:"project_id" validate:"required"`
		Feedback        string `json:"feedback"`
		AllowEstimation bool   `json:"allow_estimation"`
	}
	Phase5Request struct {
		ProjectID  string `json:"project_id" validate:"required"`
		DocumentID string `json:"document_id"`
		Feedback   string `json:"feedback"`
		StrictMode bool   `json:"strict_mode"`
	}
	ExportRequest struct {
		ProjectID string `json:"project_id" validate:"required"`
		Filename  string `json:"filename"`
	}
	ScanRequest struct {
		ProjectID  string            `json:"project_id" validate:"required"`
		DocumentID string            `json:"document_id" validate:"required"`
		TemplateID string            `json:"template_id"`
		Colors     map[string]string `json:"colors"`
	}
	RecalcRequest struct {
		ProjectID       string             `json:"project_id"`
		Parameters      map[string]float64 `json:"parameters"`
		EditedCells     map[string]float64 `json:"edited_cells"`
		Scenario        string             `json:"scenario"`
		BestMultipliers *Multipliers       `json:"best_multipliers"`
		WorstMultiplier *Multipliers       `json:"worst_multipliers"`
	}
)

// RecalcResponse is the synchronous recalc payload.
type RecalcResponse struct {
	PLSummary    []PLYear           `json:"pl_summary"`
	KPIs         KPIs               `json:"kpis"`
	ChartsData   ChartsData         `json:"charts_data"`
	Scenario     string             `json:"scenario"`
	SourceParams map[string]float64 `json:"source_params"`
}

// Controller is the HTTP-facing layer over the store, the job runtime and
// the phase agents.
type Controller struct {
	store        store.Store
	runner       *job.Runner
	prompts      *prompt.Registry
	scanner      *agent.Scanner
	analyzer     *agent.Analyzer
	mapper       *agent.Mapper
	designer     *agent.Designer
	extractor    *agent.Extractor
	templates    agent.TemplateScanner
	validate     *validator.Validate
	logger       *slog.Logger
	artifactsDir string
}

// ControllerOption configures the controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithArtifactsDir sets where export artifacts are written.
func WithArtifactsDir(dir string) ControllerOption {
	return func(c *Controller) { c.artifactsDir = dir }
}

// WithTemplateScanner replaces the built-in static template scanner.
func WithTemplateScanner(scanner agent.TemplateScanner) ControllerOption {
	return func(c *Controller) { c.templates = scanner }
}

// NewController wires the agents and registers the phase handlers on the
// runner.
func NewController(s store.Store, runner *job.Runner, gen agent.Generator, prompts *prompt.Registry, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:        s,
		runner:       runner,
		prompts:      prompts,
		templates:    agent.StaticTemplateScanner{},
		validate:     validator.New(),
		logger:       slog.Default(),
		artifactsDir: defaultArtifactsDir(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.scanner = agent.NewScanner(c.templates, s, c.logger)
	c.analyzer = agent.NewAnalyzer(gen, prompts, c.logger)
	c.mapper = agent.NewMapper(gen, prompts, c.logger)
	c.designer = agent.NewDesigner(gen, prompts, c.logger)
	c.extractor = agent.NewExtractor(gen, prompts, c.logger)

	runner.Register(2, c.handlePhase2)
	runner.Register(3, c.handlePhase3)
	runner.Register(4, c.handlePhase4)
	runner.Register(5, c.handlePhase5)
	runner.Register(6, c.handleExport)
	return c
}

// validateRequest maps validator failures onto the validation error kind.
func (c *Controller) validateRequest(req any) error {
	if err := c.validate.Struct(req); err != nil {
		return apperr.Wrap(apperr.KindValidation, "missing or invalid request fields", err).
			WithCode("VALIDATION_ERROR")
	}
	return nil
}

// getProject resolves a project or returns the wire-coded not-found error.
func (c *Controller) getProject(ctx context.Context, id string) (*store.Project, error) {
	project, err := c.store.GetProject(ctx, id)
	if err != nil {
		return nil, apperr.New(apperr.KindNotFound, "project not found").WithCode("PROJECT_NOT_FOUND")
	}
	return project, nil
}

// ensureRun returns the project's active run, creating the first one lazily.
func (c *Controller) ensureRun(ctx context.Context, projectID string) (*store.Run, error) {
	run, err := c.store.GetLatestRun(ctx, projectID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return c.store.CreateRun(ctx, projectID)
}

// dispatch persists a queued job and hands it to the runner, refusing a
// duplicate non-terminal job for the same (run, phase).
func (c *Controller) dispatch(ctx context.Context, run *store.Run, phase int, payload phasePayload) (*JobTicket, error) {
	if active, err := c.store.GetActiveJob(ctx, run.ID, phase); err == nil {
		return nil, apperr.Newf(apperr.KindConflict,
			"a job for phase %d is already %s (job %s)", phase, active.Status, active.ID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	j, err := c.store.CreateJob(ctx, run.ID, phase, data)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := c.runner.Dispatch(ctx, j); err != nil {
		return nil, fmt.Errorf("dispatch job %s: %w", j.ID, err)
	}

	c.logger.Info("Job dispatched", "job_id", j.ID, "phase", phase, "run_id", run.ID)
	ticket := &JobTicket{
		JobID:   j.ID,
		Status:  string(store.JobQueued),
		Phase:   phase,
		PollURL: "/v1/jobs/" + j.ID,
	}
	if phase == 6 {
		ticket.DownloadURL = "/v1/export/download/" + j.ID
	}
	return ticket, nil
}

// Scan serves the synchronous Phase 1: template scan plus document summary.
// The result is persisted as the run's phase 1 result for later phases.
func (c *Controller) Scan(ctx context.Context, req ScanRequest) (*agent.ScanResult, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	project, err := c.getProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	templateID := req.TemplateID
	if templateID == "" {
		templateID = project.TemplateID
	}

	result, err := c.scanner.Scan(ctx, req.DocumentID, templateID, req.Colors)
	if err != nil {
		return nil, err
	}

	run, err := c.ensureRun(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode scan result: %w", err)
	}
	if _, err := c.store.SavePhaseResult(ctx, run.ID, 1, raw); err != nil {
		return nil, fmt.Errorf("save scan result: %w", err)
	}
	c.advanceProject(ctx, project, 1)
	return result, nil
}

// StartPhase2 accepts the business-model analysis job.
func (c *Controller) StartPhase2(ctx context.Context, req Phase2Request) (*JobTicket, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := c.getProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	if _, err := c.store.GetDocument(ctx, req.DocumentID); err != nil {
		return nil, apperr.New(apperr.KindNotFound, "document not found").WithCode("DOCUMENT_NOT_FOUND")
	}
	run, err := c.ensureRun(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, run, 2, phasePayload{
		ProjectID:  req.ProjectID,
		DocumentID: req.DocumentID,
		Feedback:   req.Feedback,
	})
}

// StartPhase3 accepts the template mapping job. An empty selected proposal
// is allowed.
func (c *Controller) StartPhase3(ctx context.Context, req Phase3Request) (*JobTicket, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := c.getProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	run, err := c.ensureRun(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, run, 3, phasePayload{
		ProjectID:        req.ProjectID,
		SelectedProposal: req.SelectedProposal,
		Feedback:         req.Feedback,
	})
}

// StartPhase4 accepts the model design job, enforcing the Phase 3 gate.
func (c *Controller) StartPhase4(ctx context.Context, req Phase4Request) (*JobTicket, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := c.getProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	run, err := c.ensureRun(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	estimation := false
	phase3, err := c.store.GetPhaseResult(ctx, run.ID, 3)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.New(apperr.KindConflict,
			"phase 3 has not completed for this run").WithCode("PHASE3_NOT_COMPLETED")
	case err != nil:
		return nil, err
	default:
		var mapping agent.MappingResult
		if decodeErr := json.Unmarshal(phase3.Raw, &mapping); decodeErr != nil || len(mapping.SheetMappings) == 0 {
			if !req.AllowEstimation {
				return nil, apperr.New(apperr.KindConflict,
					"phase 3 completed with an empty mapping; retry it or set allow_estimation").
					WithCode("PHASE3_EMPTY_RESULT")
			}
			estimation = true
		}
	}

	ticket, err := c.dispatch(ctx, run, 4, phasePayload{
		ProjectID:  req.ProjectID,
		Feedback:   req.Feedback,
		Estimation: estimation,
	})
	if err != nil {
		return nil, err
	}
	ticket.EstimationMode = estimation
	return ticket, nil
}

// StartPhase5 accepts the parameter extraction job. Phase 4 must have a
// stored result.
func (c *Controller) StartPhase5(ctx context.Context, req Phase5Request) (*JobTicket, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := c.getProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	run, err := c.ensureRun(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.GetPhaseResult(ctx, run.ID, 4); err != nil {
		return nil, apperr.New(apperr.KindConflict,
			"phase 4 has not completed for this run").WithCode("PHASE4_NOT_COMPLETED")
	}
	return c.dispatch(ctx, run, 5, phasePayload{
		ProjectID:  req.ProjectID,
		DocumentID: req.DocumentID,
		Feedback:   req.Feedback,
		StrictMode: req.StrictMode,
	})
}

// StartExport accepts the Phase 6 spreadsheet emission job.
func (c *Controller) StartExport(ctx context.Context, req ExportRequest) (*JobTicket, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := c.getProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	run, err := c.ensureRun(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, run, 6, phasePayload{
		ProjectID: req.ProjectID,
		Filename:  req.Filename,
	})
}

// JobView is the poll response: the job record plus the inlined result
// payload once completed.
type JobView struct {
	*store.Job
	ResultData json.RawMessage `json:"result_data,omitempty"`
}

// GetJob serves the poll endpoint with result inlining.
func (c *Controller) GetJob(ctx context.Context, id string) (*JobView, error) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, apperr.New(apperr.KindNotFound, "job not found").WithCode("JOB_NOT_FOUND")
	}
	view := &JobView{Job: j}
	if j.Status == store.JobCompleted && j.ResultRef != "" {
		result, err := c.store.GetPhaseResultByID(ctx, j.ResultRef)
		if err == nil {
			view.ResultData = result.Raw
		} else {
			c.logger.Warn("Job result reference dangling", "job_id", j.ID, "result_ref", j.ResultRef)
		}
	}
	return view, nil
}

// Recalc serves the synchronous recalculation. No LLM involvement.
func (c *Controller) Recalc(ctx context.Context, req RecalcRequest) (*RecalcResponse, error) {
	scenario := req.Scenario
	if scenario == "" {
		scenario = ScenarioBase
	}
	switch scenario {
	case ScenarioBase, ScenarioBest, ScenarioWorst:
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown scenario %q", scenario)
	}

	var extractions []guard.Extraction
	if req.ProjectID != "" {
		if _, err := c.getProject(ctx, req.ProjectID); err != nil {
			return nil, err
		}
		extractions = c.loadExtractions(ctx, req.ProjectID)
	}

	params := ResolveParams(extractions, req.Parameters, req.EditedCells,
		scenario, req.BestMultipliers, req.WorstMultiplier, c.logger)
	projection := Compute(params)

	return &RecalcResponse{
		PLSummary:    projection.PLSummary,
		KPIs:         projection.KPIs,
		ChartsData:   projection.Charts,
		Scenario:     scenario,
		SourceParams: params,
	}, nil
}

// loadExtractions pulls the latest run's Phase 5 extractions, empty when the
// phase has not run.
func (c *Controller) loadExtractions(ctx context.Context, projectID string) []guard.Extraction {
	run, err := c.store.GetLatestRun(ctx, projectID)
	if err != nil {
		return nil
	}
	result, err := c.store.GetPhaseResult(ctx, run.ID, 5)
	if err != nil {
		return nil
	}
	var extract agent.ExtractResult
	if err := json.Unmarshal(result.Raw, &extract); err != nil {
		c.logger.Warn("Stored phase 5 result is not decodable", "run_id", run.ID, "error", err)
		return nil
	}
	return extract.Extractions
}

// SaveEdit appends a patch to the project's active run.
func (c *Controller) SaveEdit(ctx context.Context, projectID string, phase int, patch json.RawMessage) error {
	if _, err := c.getProject(ctx, projectID); err != nil {
		return err
	}
	if phase < store.PhaseMin || phase > store.PhaseMax {
		return apperr.Newf(apperr.KindValidation, "phase must be between %d and %d", store.PhaseMin, store.PhaseMax)
	}
	run, err := c.ensureRun(ctx, projectID)
	if err != nil {
		return err
	}
	_, err = c.store.SaveEdit(ctx, run.ID, phase, patch)
	return err
}

// History returns the run's edits newest first; rollback features replay
// them in this order to reconstruct prior selections.
func (c *Controller) History(ctx context.Context, projectID string) ([]*store.Edit, error) {
	if _, err := c.getProject(ctx, projectID); err != nil {
		return nil, err
	}
	run, err := c.store.GetLatestRun(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return []*store.Edit{}, nil
	}
	if err != nil {
		return nil, err
	}
	edits, err := c.store.GetEdits(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(edits)-1; i < j; i, j = i+1, j-1 {
		edits[i], edits[j] = edits[j], edits[i]
	}
	return edits, nil
}

// advanceProject moves the project pointer forward after a phase completes.
func (c *Controller) advanceProject(ctx context.Context, project *store.Project, completedPhase int) {
	next := completedPhase + 1
	if next > store.PhaseMax {
		next = store.PhaseMax
	}
	changed := false
	if project.CurrentPhase < next {
		project.CurrentPhase = next
		changed = true
	}
	if project.Status == store.ProjectCreated {
		project.Status = store.ProjectActive
		changed = true
	}
	if completedPhase == store.PhaseMax && project.Status != store.ProjectCompleted {
		project.Status = store.ProjectCompleted
		changed = true
	}
	if !changed {
		return
	}
	if err := c.store.UpdateProject(ctx, project); err != nil {
		c.logger.Warn("Failed to advance project phase", "project_id", project.ID, "error", err)
	}
}
