package guard

// ellipsisMarker joins or terminates truncated document slices. Downstream
// prompts tell the model the marker means omitted text.
const ellipsisMarker = "\n...(中略)...\n"

// Default character budgets per phase.
const (
	// AnalysisBudget is the phase-2 document budget.
	AnalysisBudget = 30000
	// ExtractionBudget is the phase-5 head-only budget.
	ExtractionBudget = 10000
)

// TruncateForAnalysis reduces a document for the business-model analysis
// prompt: the head keeps 70% of the budget, the tail 25%, with an ellipsis
// marker in between. The opening usually carries the business description and
// the closing the financials, so both ends matter more than the middle.
func TruncateForAnalysis(document string, budget int) string {
	if budget <= 0 {
		budget = AnalysisBudget
	}
	runes := []rune(document)
	if len(runes) <= budget {
		return document
	}
	head := budget * 70 / 100
	tail := budget * 25 / 100
	return string(runes[:head]) + ellipsisMarker + string(runes[len(runes)-tail:])
}

// TruncateForExtraction reduces a document for the parameter-extraction
// prompt: head only, ellipsis suffix. Extraction quotes must be verifiable
// against what the model actually saw, so no tail slice is included.
func TruncateForExtraction(document string, budget int) string {
	if budget <= 0 {
		budget = ExtractionBudget
	}
	runes := []rune(document)
	if len(runes) <= budget {
		return document
	}
	return string(runes[:budget]) + ellipsisMarker
}
