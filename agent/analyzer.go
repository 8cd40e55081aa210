package agent

import (
	"context"
	"log/slog"

	"github.com/planforge/planforge/guard"
	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/store"
)

// Segment is one revenue segment of a business model proposal.
type Segment struct {
	Name           string   `json:"name"`
	RevenueDriver  string   `json:"revenue_driver"`
	KeyAssumptions []string `json:"key_assumptions,omitempty"`
}

// Proposal is one business model candidate derived from the document.
type Proposal struct {
	Industry         string    `json:"industry"`
	ModelType        string    `json:"model_type"`
	ExecutiveSummary string    `json:"executive_summary"`
	Segments         []Segment `json:"segments"`
	SharedCosts      []string  `json:"shared_costs,omitempty"`
	Risks            []string  `json:"risks,omitempty"`
	TimeHorizonYears int       `json:"time_horizon_years,omitempty"`
	Currency         string    `json:"currency,omitempty"`
}

// AnalysisResult is the Phase 2 output.
type AnalysisResult struct {
	Proposals []Proposal `json:"proposals"`
}

// AnalyzeInput carries everything the Phase 2 agent needs.
type AnalyzeInput struct {
	ProjectID string
	Document  string
	Feedback  string
	LLM       store.LLMConfig
	OnDelta   func(chunk string)
}

// Analyzer is the Phase 2 agent: business-model analysis over the truncated
// document.
type Analyzer struct {
	gen     Generator
	prompts *prompt.Registry
	logger  *slog.Logger
}

// NewAnalyzer creates the Phase 2 agent.
func NewAnalyzer(gen Generator, prompts *prompt.Registry, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{gen: gen, prompts: prompts, logger: logger}
}

// Analyze derives business model proposals from the document. An empty
// proposals list, or any proposal with no segments, is an error: the model
// must not be padded with invented segments.
func (a *Analyzer) Analyze(ctx context.Context, in AnalyzeInput) (*AnalysisResult, error) {
	systemPrompt, err := a.prompts.Resolve(ctx, prompt.KeyAnalyzerSystem, in.ProjectID)
	if err != nil {
		return nil, err
	}
	userTemplate, err := a.prompts.Resolve(ctx, prompt.KeyAnalyzerUser, in.ProjectID)
	if err != nil {
		return nil, err
	}

	userPrompt := fill(userTemplate, map[string]string{
		"document_text": guard.TruncateForAnalysis(in.Document, guard.AnalysisBudget),
		"feedback":      feedbackBlock(in.Feedback),
	})

	result, err := a.gen.GenerateJSON(ctx, llm.Request{
		Provider: in.LLM.Provider,
		Model:    in.LLM.Model,
		Phase:    2,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		OnDelta: in.OnDelta,
	})
	if err != nil {
		return nil, err
	}

	parsed := guard.Unwrap(result.Parsed, "proposals")
	var analysis AnalysisResult
	if err := decodeResult(parsed, &analysis); err != nil {
		return nil, err
	}
	if len(analysis.Proposals) == 0 {
		return nil, emptyCritical(2, "proposals list", result.Raw)
	}
	for _, proposal := range analysis.Proposals {
		if len(proposal.Segments) == 0 {
			return nil, emptyCritical(2, "segments list", result.Raw)
		}
	}

	a.logger.Debug("Business model analysis complete",
		"proposals", len(analysis.Proposals), "tokens", result.Usage.TotalTokens)
	return &analysis, nil
}
