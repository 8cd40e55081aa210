package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/planforge/planforge/agent"
	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/guard"
	"github.com/planforge/planforge/job"
	"github.com/planforge/planforge/store"
)

// ExportArtifact is the Phase 6 result payload: where the workbook landed.
type ExportArtifact struct {
	Path     string `json:"artifact_path"`
	Filename string `json:"filename"`
}

func defaultArtifactsDir() string {
	return filepath.Join(os.TempDir(), "planforge-artifacts")
}

// handleExport is the Phase 6 worker: emit the financial model workbook.
// Export has no streaming output, so progress comes from the heartbeat.
func (c *Controller) handleExport(ctx context.Context, task *job.Task) (string, error) {
	payload, err := decodePayload(task.Job)
	if err != nil {
		return "", err
	}

	heartbeat := task.Heartbeat(ctx)
	defer heartbeat.Stop()
	task.Log(ctx, "Building spreadsheet artifact")

	extractions := c.loadExtractions(ctx, payload.ProjectID)
	params := ResolveParams(extractions, nil, nil, ScenarioBase, nil, nil, c.logger)
	projection := Compute(params)
	segments := c.segmentNames(ctx, task.Job.RunID)

	filename := payload.Filename
	if filename == "" {
		name := "financial_model"
		if project, err := c.store.GetProject(ctx, payload.ProjectID); err == nil && project.Name != "" {
			name = project.Name
		}
		filename = name + ".xlsx"
	}

	if err := os.MkdirAll(c.artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	path := filepath.Join(c.artifactsDir, task.Job.ID+".xlsx")
	if err := writeWorkbook(path, projection, segments, extractions); err != nil {
		return "", fmt.Errorf("write workbook: %w", err)
	}
	task.Log(ctx, fmt.Sprintf("Workbook written (%d segments)", len(segments)))

	raw, err := json.Marshal(ExportArtifact{Path: path, Filename: filename})
	if err != nil {
		return "", err
	}
	stored, err := c.store.SavePhaseResult(ctx, task.Job.RunID, 6, raw)
	if err != nil {
		return "", fmt.Errorf("save export result: %w", err)
	}
	if project, err := c.store.GetProject(ctx, payload.ProjectID); err == nil {
		c.advanceProject(ctx, project, 6)
	}
	return stored.ID, nil
}

// segmentNames reads the adopted proposal's segments, defaulting to a single
// whole-company segment.
func (c *Controller) segmentNames(ctx context.Context, runID string) []string {
	result, err := c.store.GetPhaseResult(ctx, runID, 2)
	if err != nil {
		return []string{"全社"}
	}
	var analysis agent.AnalysisResult
	if err := json.Unmarshal(result.Raw, &analysis); err != nil || len(analysis.Proposals) == 0 {
		return []string{"全社"}
	}
	segments := analysis.Proposals[0].Segments
	if len(segments) == 0 {
		return []string{"全社"}
	}
	names := make([]string, len(segments))
	for i, segment := range segments {
		names[i] = segment.Name
	}
	return names
}

// writeWorkbook renders the projection into an xlsx: a P&L sheet, a segment
// revenue split and the extracted parameters with their provenance.
func writeWorkbook(path string, projection Projection, segments []string, extractions []guard.Extraction) error {
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck

	const plSheet = "P&L"
	f.SetSheetName("Sheet1", plSheet)

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	plRows := []struct {
		label string
		pick  func(PLYear) int64
	}{
		{"売上高", func(y PLYear) int64 { return y.Revenue }},
		{"売上原価", func(y PLYear) int64 { return y.Cogs }},
		{"売上総利益", func(y PLYear) int64 { return y.GrossProfit }},
		{"販管費", func(y PLYear) int64 { return y.Opex }},
		{"営業利益", func(y PLYear) int64 { return y.OperatingProfit }},
		{"FCF", func(y PLYear) int64 { return y.FCF }},
		{"累計FCF", func(y PLYear) int64 { return y.CumulativeFCF }},
	}

	if err := f.SetCellValue(plSheet, "A1", "項目"); err != nil {
		return err
	}
	for i, year := range projection.PLSummary {
		cell, _ := excelize.CoordinatesToCellName(2+i, 1)
		if err := f.SetCellValue(plSheet, cell, year.Year); err != nil {
			return err
		}
	}
	for r, row := range plRows {
		cell, _ := excelize.CoordinatesToCellName(1, 2+r)
		if err := f.SetCellValue(plSheet, cell, row.label); err != nil {
			return err
		}
		for col, year := range projection.PLSummary {
			cell, _ := excelize.CoordinatesToCellName(2+col, 2+r)
			if err := f.SetCellValue(plSheet, cell, row.pick(year)); err != nil {
				return err
			}
		}
	}
	if err := f.SetRowStyle(plSheet, 1, 1, headerStyle); err != nil {
		return err
	}

	if err := writeSegmentSheet(f, projection, segments); err != nil {
		return err
	}
	if err := writeParameterSheet(f, extractions); err != nil {
		return err
	}
	return f.SaveAs(path)
}

func writeSegmentSheet(f *excelize.File, projection Projection, segments []string) error {
	const sheet = "Segments"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "A1", "セグメント"); err != nil {
		return err
	}
	for i, year := range projection.PLSummary {
		cell, _ := excelize.CoordinatesToCellName(2+i, 1)
		if err := f.SetCellValue(sheet, cell, year.Year); err != nil {
			return err
		}
	}

	// Per-year revenue split by largest remainder; columns sum exactly to
	// the P&L totals.
	for col, year := range projection.PLSummary {
		parts := Distribute(year.Revenue, len(segments))
		for row := range segments {
			cell, _ := excelize.CoordinatesToCellName(2+col, 2+row)
			if err := f.SetCellValue(sheet, cell, parts[row]); err != nil {
				return err
			}
		}
	}
	for row, name := range segments {
		cell, _ := excelize.CoordinatesToCellName(1, 2+row)
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return err
		}
	}
	return nil
}

func writeParameterSheet(f *excelize.File, extractions []guard.Extraction) error {
	const sheet = "Parameters"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	headers := []string{"シート", "セル", "項目", "値", "単位", "出所", "信頼度", "根拠"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(1+i, 1)
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return err
		}
	}
	for row, item := range extractions {
		values := []any{item.Sheet, item.Cell, item.Label, item.Value, item.Unit,
			item.Source, item.Confidence, item.Evidence.Quote}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(1+col, 2+row)
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExportFile resolves the downloadable artifact for a completed export job.
func (c *Controller) ExportFile(ctx context.Context, jobID string) (*ExportArtifact, error) {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, apperr.New(apperr.KindNotFound, "job not found").WithCode("JOB_NOT_FOUND")
	}
	if j.Status != store.JobCompleted {
		return nil, apperr.Newf(apperr.KindConflict,
			"export job is %s", j.Status).WithCode("NOT_READY")
	}
	if j.ResultRef == "" {
		return nil, apperr.New(apperr.KindNotFound, "export artifact missing").WithCode("FILE_NOT_FOUND")
	}
	result, err := c.store.GetPhaseResultByID(ctx, j.ResultRef)
	if err != nil {
		return nil, apperr.New(apperr.KindNotFound, "export artifact missing").WithCode("FILE_NOT_FOUND")
	}
	var artifact ExportArtifact
	if err := json.Unmarshal(result.Raw, &artifact); err != nil {
		return nil, fmt.Errorf("decode export artifact: %w", err)
	}
	if _, err := os.Stat(artifact.Path); err != nil {
		return nil, apperr.New(apperr.KindNotFound, "artifact file not found on disk").WithCode("FILE_NOT_FOUND")
	}
	return &artifact, nil
}
