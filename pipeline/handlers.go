package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/planforge/planforge/agent"
	"github.com/planforge/planforge/job"
	"github.com/planforge/planforge/store"
)

// decodePayload reads the job payload written at dispatch time.
func decodePayload(j *store.Job) (phasePayload, error) {
	var payload phasePayload
	if len(j.Payload) == 0 {
		return payload, fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode job payload: %w", err)
	}
	return payload, nil
}

// streamDelta adapts the LLM streaming callback to the progress tracker.
func streamDelta(progress *job.StreamProgress) func(string) {
	return func(chunk string) { progress.Add(len([]rune(chunk))) }
}

// saveResult persists the phase output and advances the project pointer.
func (c *Controller) saveResult(ctx context.Context, task *job.Task, projectID string, result any) (string, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode phase %d result: %w", task.Job.Phase, err)
	}
	stored, err := c.store.SavePhaseResult(ctx, task.Job.RunID, task.Job.Phase, raw)
	if err != nil {
		return "", fmt.Errorf("save phase %d result: %w", task.Job.Phase, err)
	}
	if project, err := c.store.GetProject(ctx, projectID); err == nil {
		c.advanceProject(ctx, project, task.Job.Phase)
	}
	return stored.ID, nil
}

// loadCatalog reads the run's Phase 1 catalog, falling back to a fresh
// template scan when Phase 1 never ran.
func (c *Controller) loadCatalog(ctx context.Context, runID, projectID string) ([]agent.CatalogItem, error) {
	if result, err := c.store.GetPhaseResult(ctx, runID, 1); err == nil {
		var scan agent.ScanResult
		if err := json.Unmarshal(result.Raw, &scan); err == nil && len(scan.Catalog) > 0 {
			return scan.Catalog, nil
		}
	}
	templateID := ""
	if project, err := c.store.GetProject(ctx, projectID); err == nil {
		templateID = project.TemplateID
	}
	return c.templates.ScanTemplate(ctx, templateID, nil)
}

// loadDocumentText resolves the working document: the referenced one, or the
// project's newest document when the payload names none.
func (c *Controller) loadDocumentText(ctx context.Context, projectID, documentID string) (string, error) {
	if documentID != "" {
		doc, err := c.store.GetDocument(ctx, documentID)
		if err != nil {
			return "", fmt.Errorf("load document %s: %w", documentID, err)
		}
		return doc.Text, nil
	}
	state, err := c.store.GetProjectState(ctx, projectID)
	if err != nil {
		return "", err
	}
	if len(state.Documents) == 0 {
		return "", fmt.Errorf("project %s has no documents", projectID)
	}
	newest := state.Documents[len(state.Documents)-1]
	doc, err := c.store.GetDocument(ctx, newest.ID)
	if err != nil {
		return "", err
	}
	return doc.Text, nil
}

func (c *Controller) handlePhase2(ctx context.Context, task *job.Task) (string, error) {
	payload, err := decodePayload(task.Job)
	if err != nil {
		return "", err
	}
	text, err := c.loadDocumentText(ctx, payload.ProjectID, payload.DocumentID)
	if err != nil {
		return "", err
	}
	cfg := store.GetProjectLLMConfig(ctx, c.store, payload.ProjectID)
	task.Log(ctx, fmt.Sprintf("Analyzing business model with %s", cfg.Provider))

	progress := task.StreamProgress(ctx, outputEstimates[2])
	result, err := c.analyzer.Analyze(ctx, agent.AnalyzeInput{
		ProjectID: payload.ProjectID,
		Document:  text,
		Feedback:  payload.Feedback,
		LLM:       cfg,
		OnDelta:   streamDelta(progress),
	})
	if err != nil {
		return "", err
	}
	task.Log(ctx, fmt.Sprintf("Derived %d business model proposals", len(result.Proposals)))
	return c.saveResult(ctx, task, payload.ProjectID, result)
}

func (c *Controller) handlePhase3(ctx context.Context, task *job.Task) (string, error) {
	payload, err := decodePayload(task.Job)
	if err != nil {
		return "", err
	}
	catalog, err := c.loadCatalog(ctx, task.Job.RunID, payload.ProjectID)
	if err != nil {
		return "", err
	}
	cfg := store.GetProjectLLMConfig(ctx, c.store, payload.ProjectID)
	task.Log(ctx, "Mapping template sheets to segments")

	progress := task.StreamProgress(ctx, outputEstimates[3])
	result, err := c.mapper.Map(ctx, agent.MapInput{
		ProjectID:        payload.ProjectID,
		SelectedProposal: payload.SelectedProposal,
		Catalog:          catalog,
		Feedback:         payload.Feedback,
		LLM:              cfg,
		OnDelta:          streamDelta(progress),
	})
	if err != nil {
		return "", err
	}
	task.Log(ctx, fmt.Sprintf("Mapped %d sheets", len(result.SheetMappings)))
	return c.saveResult(ctx, task, payload.ProjectID, result)
}

func (c *Controller) handlePhase4(ctx context.Context, task *job.Task) (string, error) {
	payload, err := decodePayload(task.Job)
	if err != nil {
		return "", err
	}

	var proposal, mapping json.RawMessage
	if result, err := c.store.GetPhaseResult(ctx, task.Job.RunID, 2); err == nil {
		proposal = result.Raw
	}
	if !payload.Estimation {
		result, err := c.store.GetPhaseResult(ctx, task.Job.RunID, 3)
		if err != nil {
			return "", fmt.Errorf("load phase 3 result: %w", err)
		}
		mapping = result.Raw
	}
	catalog, err := c.loadCatalog(ctx, task.Job.RunID, payload.ProjectID)
	if err != nil {
		return "", err
	}

	cfg := store.GetProjectLLMConfig(ctx, c.store, payload.ProjectID)
	if payload.Estimation {
		task.Log(ctx, "Designing model in estimation mode (no confirmed mapping)")
	} else {
		task.Log(ctx, "Designing cell-level model")
	}

	progress := task.StreamProgress(ctx, outputEstimates[4])
	result, err := c.designer.Design(ctx, agent.DesignInput{
		ProjectID:  payload.ProjectID,
		Proposal:   proposal,
		Mapping:    mapping,
		Catalog:    catalog,
		Feedback:   payload.Feedback,
		Estimation: payload.Estimation,
		LLM:        cfg,
		OnDelta:    streamDelta(progress),
	})
	if err != nil {
		return "", err
	}
	task.Log(ctx, fmt.Sprintf("Assigned %d cells (%d unmapped)",
		len(result.CellAssignments), len(result.UnmappedCells)))
	return c.saveResult(ctx, task, payload.ProjectID, result)
}

func (c *Controller) handlePhase5(ctx context.Context, task *job.Task) (string, error) {
	payload, err := decodePayload(task.Job)
	if err != nil {
		return "", err
	}
	design, err := c.store.GetPhaseResult(ctx, task.Job.RunID, 4)
	if err != nil {
		return "", fmt.Errorf("load phase 4 result: %w", err)
	}
	text, err := c.loadDocumentText(ctx, payload.ProjectID, payload.DocumentID)
	if err != nil {
		return "", err
	}

	cfg := store.GetProjectLLMConfig(ctx, c.store, payload.ProjectID)
	task.Log(ctx, "Extracting parameters from the document")

	progress := task.StreamProgress(ctx, outputEstimates[5])
	result, err := c.extractor.Extract(ctx, agent.ExtractInput{
		ProjectID:  payload.ProjectID,
		Design:     design.Raw,
		Document:   text,
		Feedback:   payload.Feedback,
		StrictMode: payload.StrictMode,
		LLM:        cfg,
		OnDelta:    streamDelta(progress),
	})
	if err != nil {
		return "", err
	}
	task.Log(ctx, fmt.Sprintf("Extracted %d parameters (%d need review)",
		result.Stats.Total, result.Stats.NeedsReview))
	return c.saveResult(ctx, task, payload.ProjectID, result)
}
