package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/planforge/planforge/guard"
	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/store"
)

// CellAssignment binds one catalog cell to a model driver.
type CellAssignment struct {
	Sheet    string `json:"sheet"`
	Cell     string `json:"cell"`
	Label    string `json:"label"`
	Concept  string `json:"concept"`
	Category string `json:"category,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Period   string `json:"period,omitempty"`
	Segment  string `json:"segment,omitempty"`
}

// UnmappedCell is a catalog cell the model could not assign.
type UnmappedCell struct {
	Sheet  string `json:"sheet"`
	Cell   string `json:"cell"`
	Reason string `json:"reason,omitempty"`
}

// DesignResult is the Phase 4 output.
type DesignResult struct {
	CellAssignments []CellAssignment `json:"cell_assignments"`
	UnmappedCells   []UnmappedCell   `json:"unmapped_cells,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// DesignInput carries everything the Phase 4 agent needs.
type DesignInput struct {
	ProjectID  string
	Proposal   json.RawMessage
	Mapping    json.RawMessage
	Catalog    []CatalogItem
	Feedback   string
	Estimation bool
	LLM        store.LLMConfig
	OnDelta    func(chunk string)
}

// Designer is the Phase 4 agent: cell-level model design.
type Designer struct {
	gen     Generator
	prompts *prompt.Registry
	logger  *slog.Logger
}

// NewDesigner creates the Phase 4 agent.
func NewDesigner(gen Generator, prompts *prompt.Registry, logger *slog.Logger) *Designer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Designer{gen: gen, prompts: prompts, logger: logger}
}

// Design assigns catalog cells to model drivers. Gating on the Phase 3
// result is the controller's job; in estimation mode the mapping slot holds
// a note instead of a confirmed mapping.
func (d *Designer) Design(ctx context.Context, in DesignInput) (*DesignResult, error) {
	systemPrompt, err := d.prompts.Resolve(ctx, prompt.KeyDesignerSystem, in.ProjectID)
	if err != nil {
		return nil, err
	}
	userTemplate, err := d.prompts.Resolve(ctx, prompt.KeyDesignerUser, in.ProjectID)
	if err != nil {
		return nil, err
	}

	mapping := string(in.Mapping)
	if in.Estimation || strings.TrimSpace(mapping) == "" {
		mapping = "(no confirmed sheet mapping; estimate the layout from the business model and the catalog)"
	}
	catalogJSON, err := json.Marshal(in.Catalog)
	if err != nil {
		return nil, err
	}
	userPrompt := fill(userTemplate, map[string]string{
		"proposal": string(in.Proposal),
		"mapping":  mapping,
		"catalog":  string(catalogJSON),
		"feedback": feedbackBlock(in.Feedback),
	})

	result, err := d.gen.GenerateJSON(ctx, llm.Request{
		Provider: in.LLM.Provider,
		Model:    in.LLM.Model,
		Phase:    4,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		OnDelta: in.OnDelta,
	})
	if err != nil {
		return nil, err
	}

	parsed := guard.Unwrap(result.Parsed, "cell_assignments")
	var design DesignResult
	if err := decodeResult(parsed, &design); err != nil {
		return nil, err
	}
	if len(design.CellAssignments) == 0 {
		return nil, emptyCritical(4, "cell_assignments list", result.Raw)
	}

	correctAssignments(&design, in.Catalog)

	d.logger.Debug("Model design complete",
		"assignments", len(design.CellAssignments),
		"unmapped", len(design.UnmappedCells),
		"tokens", result.Usage.TotalTokens)
	return &design, nil
}

// numberShapedLabel matches labels that are just a number, optionally with
// separators and Japanese magnitude or unit suffixes.
var numberShapedLabel = regexp.MustCompile(`^\d[\d,\.]*[万億千百]?[円%]?$`)

// correctAssignments repairs two recurring model mistakes against the
// catalog: a number echoed back as the label, and a missing category.
func correctAssignments(design *DesignResult, catalog []CatalogItem) {
	byCell := catalogIndex(catalog)
	for i := range design.CellAssignments {
		assignment := &design.CellAssignments[i]
		item, ok := byCell[cellKey(assignment.Sheet, assignment.Cell)]
		if !ok {
			continue
		}
		if numberShapedLabel.MatchString(strings.TrimSpace(assignment.Label)) {
			assignment.Label = item.Label
		}
		if strings.TrimSpace(assignment.Category) == "" {
			assignment.Category = item.Block
		}
	}
}

func catalogIndex(catalog []CatalogItem) map[string]CatalogItem {
	byCell := make(map[string]CatalogItem, len(catalog))
	for _, item := range catalog {
		byCell[cellKey(item.Sheet, item.Cell)] = item
	}
	return byCell
}

func cellKey(sheet, cell string) string {
	return sheet + "!" + cell
}
