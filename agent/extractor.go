package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/planforge/planforge/guard"
	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/store"
)

// ExtractStats summarises a Phase 5 run.
type ExtractStats struct {
	Total         int            `json:"total"`
	BySource      map[string]int `json:"by_source"`
	NeedsReview   int            `json:"needs_review"`
	Backfilled    int            `json:"backfilled"`
	AvgConfidence float64        `json:"avg_confidence"`
}

// ExtractResult is the Phase 5 output.
type ExtractResult struct {
	Extractions   []guard.Extraction `json:"extractions"`
	UnmappedCells []UnmappedCell     `json:"unmapped_cells,omitempty"`
	Warnings      []string           `json:"warnings,omitempty"`
	Stats         ExtractStats       `json:"stats"`
}

// ExtractInput carries everything the Phase 5 agent needs.
type ExtractInput struct {
	ProjectID string
	Design    json.RawMessage
	Document  string
	Feedback  string
	// StrictMode drops low-confidence extractions instead of keeping them
	// flagged.
	StrictMode bool
	LLM        store.LLMConfig
	OnDelta    func(chunk string)
}

// strictThreshold is the minimum confidence kept in strict mode.
const strictThreshold = 0.3

// backfillConfidence marks a value the model never extracted.
const backfillConfidence = 0.1

// Extractor is the Phase 5 agent: parameter extraction with evidence and
// confidence guards.
type Extractor struct {
	gen     Generator
	prompts *prompt.Registry
	logger  *slog.Logger
}

// NewExtractor creates the Phase 5 agent.
func NewExtractor(gen Generator, prompts *prompt.Registry, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{gen: gen, prompts: prompts, logger: logger}
}

// Extract pulls parameter values for the designed cells out of the document.
func (e *Extractor) Extract(ctx context.Context, in ExtractInput) (*ExtractResult, error) {
	systemPrompt, err := e.prompts.Resolve(ctx, prompt.KeyExtractorSystem, in.ProjectID)
	if err != nil {
		return nil, err
	}
	userTemplate, err := e.prompts.Resolve(ctx, prompt.KeyExtractorUser, in.ProjectID)
	if err != nil {
		return nil, err
	}

	userPrompt := fill(userTemplate, map[string]string{
		"design":        string(in.Design),
		"document_text": guard.TruncateForExtraction(in.Document, guard.ExtractionBudget),
		"feedback":      feedbackBlock(in.Feedback),
	})

	result, err := e.gen.GenerateJSON(ctx, llm.Request{
		Provider: in.LLM.Provider,
		Model:    in.LLM.Model,
		Phase:    5,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		OnDelta: in.OnDelta,
	})
	if err != nil {
		return nil, err
	}

	parsed := guard.Unwrap(result.Parsed, "extractions")
	var extract ExtractResult
	if err := decodeResult(parsed, &extract); err != nil {
		return nil, err
	}
	if len(extract.Extractions) == 0 {
		return nil, emptyCritical(5, "extractions list", result.Raw)
	}

	var design DesignResult
	if len(in.Design) > 0 {
		if err := json.Unmarshal(in.Design, &design); err != nil {
			return nil, fmt.Errorf("decode phase 4 design: %w", err)
		}
	}

	e.applyGuards(&extract, design, in.Document)
	backfilled := e.backfill(&extract, design)
	if in.StrictMode {
		e.enforceStrict(&extract)
	}
	extract.Stats = computeStats(extract.Extractions)
	extract.Stats.Backfilled = backfilled

	e.logger.Debug("Parameter extraction complete",
		"extractions", len(extract.Extractions),
		"unmapped", len(extract.UnmappedCells),
		"needs_review", extract.Stats.NeedsReview,
		"tokens", result.Usage.TotalTokens)
	return &extract, nil
}

// applyGuards runs the per-item guard chain: label correction from the
// Phase 4 design, source normalisation, evidence verification, numeric
// concept check, then the confidence penalty table.
func (e *Extractor) applyGuards(extract *ExtractResult, design DesignResult, document string) {
	labels := make(map[string]CellAssignment, len(design.CellAssignments))
	for _, assignment := range design.CellAssignments {
		labels[cellKey(assignment.Sheet, assignment.Cell)] = assignment
	}

	for i := range extract.Extractions {
		item := &extract.Extractions[i]

		if assignment, ok := labels[cellKey(item.Sheet, item.Cell)]; ok {
			if numberShapedLabel.MatchString(strings.TrimSpace(item.Label)) {
				item.Label = assignment.Label
			}
			if strings.TrimSpace(item.Label) == "" {
				item.Label = assignment.Label
			}
		}

		switch item.Source {
		case guard.SourceDocument, guard.SourceInferred, guard.SourceDefault:
		default:
			item.Source = guard.SourceDefault
		}

		guard.VerifyEvidence(item, document)
		guard.CheckNumericConcept(item)
		guard.ApplyConfidencePenalty(item)
	}
}

// backfill adds a placeholder extraction for every designed cell the model
// skipped, so downstream consumers see the full cell set. Returns the number
// of cells backfilled.
func (e *Extractor) backfill(extract *ExtractResult, design DesignResult) int {
	have := make(map[string]bool, len(extract.Extractions))
	for _, item := range extract.Extractions {
		have[cellKey(item.Sheet, item.Cell)] = true
	}

	backfilled := 0
	for _, assignment := range design.CellAssignments {
		if have[cellKey(assignment.Sheet, assignment.Cell)] {
			continue
		}
		extract.Extractions = append(extract.Extractions, guard.Extraction{
			Sheet:      assignment.Sheet,
			Cell:       assignment.Cell,
			Label:      assignment.Label,
			Concept:    assignment.Concept,
			Unit:       assignment.Unit,
			Period:     assignment.Period,
			Segment:    assignment.Segment,
			Source:     guard.SourceDefault,
			Confidence: backfillConfidence,
			Warnings:   []string{guard.WarnSourceDefault},
		})
		backfilled++
	}
	if backfilled > 0 {
		extract.Warnings = append(extract.Warnings,
			fmt.Sprintf("%d designed cells had no extracted value and were backfilled with defaults", backfilled))
	}
	return backfilled
}

// enforceStrict moves low-confidence extractions to unmapped_cells.
func (e *Extractor) enforceStrict(extract *ExtractResult) {
	kept := extract.Extractions[:0]
	for _, item := range extract.Extractions {
		if item.Confidence < strictThreshold {
			extract.UnmappedCells = append(extract.UnmappedCells, UnmappedCell{
				Sheet:  item.Sheet,
				Cell:   item.Cell,
				Reason: fmt.Sprintf("confidence %.2f below strict threshold", item.Confidence),
			})
			continue
		}
		kept = append(kept, item)
	}
	extract.Extractions = kept
}

func computeStats(extractions []guard.Extraction) ExtractStats {
	stats := ExtractStats{
		Total:    len(extractions),
		BySource: map[string]int{},
	}
	var sum float64
	for _, item := range extractions {
		stats.BySource[item.Source]++
		if item.Concept == guard.NeedsReview {
			stats.NeedsReview++
		}
		sum += item.Confidence
	}
	if stats.Total > 0 {
		stats.AvgConfidence = sum / float64(stats.Total)
	}
	return stats
}
