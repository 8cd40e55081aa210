package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/planforge/planforge/guard"
	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/store"
)

// Sheet purposes recognised by the mapper.
const (
	PurposeRevenueModel = "revenue_model"
	PurposeCostDetail   = "cost_detail"
	PurposePLSummary    = "pl_summary"
	PurposeAssumptions  = "assumptions"
	PurposeHeadcount    = "headcount"
	PurposeCapex        = "capex"
	PurposeOther        = "other"
)

var validPurposes = map[string]bool{
	PurposeRevenueModel: true,
	PurposeCostDetail:   true,
	PurposePLSummary:    true,
	PurposeAssumptions:  true,
	PurposeHeadcount:    true,
	PurposeCapex:        true,
	PurposeOther:        true,
}

// SheetMapping pairs a template sheet with a business model segment.
type SheetMapping struct {
	Sheet     string `json:"sheet"`
	Segment   string `json:"segment,omitempty"`
	Purpose   string `json:"purpose"`
	Rationale string `json:"rationale,omitempty"`
}

// MappingResult is the Phase 3 output.
type MappingResult struct {
	OverallStructure string         `json:"overall_structure"`
	SheetMappings    []SheetMapping `json:"sheet_mappings"`
	Suggestions      []string       `json:"suggestions,omitempty"`
}

// MapInput carries everything the Phase 3 agent needs. SelectedProposal may
// be empty: the mapper then works from the sheet structure alone.
type MapInput struct {
	ProjectID        string
	SelectedProposal json.RawMessage
	Catalog          []CatalogItem
	Feedback         string
	LLM              store.LLMConfig
	OnDelta          func(chunk string)
}

// Mapper is the Phase 3 agent: template-to-segment mapping.
type Mapper struct {
	gen     Generator
	prompts *prompt.Registry
	logger  *slog.Logger
}

// NewMapper creates the Phase 3 agent.
func NewMapper(gen Generator, prompts *prompt.Registry, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{gen: gen, prompts: prompts, logger: logger}
}

// sampleLabelsPerSheet caps the per-sheet catalog summary handed to the
// model; full catalogs would blow the prompt budget on large templates.
const sampleLabelsPerSheet = 10

// SummarizeCatalog renders the per-sheet view the mapper prompts with: cell
// count plus up to ten sample labels per sheet, sheets in stable order.
func SummarizeCatalog(catalog []CatalogItem) string {
	bySheet := make(map[string][]string)
	counts := make(map[string]int)
	for _, item := range catalog {
		counts[item.Sheet]++
		if len(bySheet[item.Sheet]) < sampleLabelsPerSheet {
			bySheet[item.Sheet] = append(bySheet[item.Sheet], item.Label)
		}
	}

	sheets := make([]string, 0, len(bySheet))
	for sheet := range bySheet {
		sheets = append(sheets, sheet)
	}
	sort.Strings(sheets)

	var b strings.Builder
	for _, sheet := range sheets {
		fmt.Fprintf(&b, "- %s (%d input cells): %s\n",
			sheet, counts[sheet], strings.Join(bySheet[sheet], ", "))
	}
	return b.String()
}

// Map assigns a purpose and segment to each template sheet.
func (m *Mapper) Map(ctx context.Context, in MapInput) (*MappingResult, error) {
	systemPrompt, err := m.prompts.Resolve(ctx, prompt.KeyMapperSystem, in.ProjectID)
	if err != nil {
		return nil, err
	}
	userTemplate, err := m.prompts.Resolve(ctx, prompt.KeyMapperUser, in.ProjectID)
	if err != nil {
		return nil, err
	}

	proposal := string(in.SelectedProposal)
	if strings.TrimSpace(proposal) == "" {
		proposal = "(no business model selected; map sheets by their labels alone)"
	}
	userPrompt := fill(userTemplate, map[string]string{
		"proposal":      proposal,
		"sheet_summary": SummarizeCatalog(in.Catalog),
		"feedback":      feedbackBlock(in.Feedback),
	})

	result, err := m.gen.GenerateJSON(ctx, llm.Request{
		Provider: in.LLM.Provider,
		Model:    in.LLM.Model,
		Phase:    3,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		OnDelta: in.OnDelta,
	})
	if err != nil {
		return nil, err
	}

	parsed := guard.Unwrap(result.Parsed, "sheet_mappings", "overall_structure")
	var mapping MappingResult
	if err := decodeResult(parsed, &mapping); err != nil {
		return nil, err
	}
	if len(mapping.SheetMappings) == 0 {
		return nil, emptyCritical(3, "sheet_mappings list", result.Raw)
	}

	// Unknown purposes collapse to "other" rather than failing the phase.
	for i := range mapping.SheetMappings {
		purpose := strings.ToLower(strings.TrimSpace(mapping.SheetMappings[i].Purpose))
		if !validPurposes[purpose] {
			purpose = PurposeOther
		}
		mapping.SheetMappings[i].Purpose = purpose
	}

	m.logger.Debug("Template mapping complete",
		"sheets", len(mapping.SheetMappings), "tokens", result.Usage.TotalTokens)
	return &mapping, nil
}
