package guard

import (
	"regexp"
	"strings"
)

// Warning codes attached to extractions by the guards below. The confidence
// penalty table is keyed by these codes.
const (
	WarnEvidenceMissing  = "evidence_missing"
	WarnEvidenceNotFound = "evidence_not_found_in_document"
	WarnSourceDefault    = "source_default"
	WarnSourceInferred   = "source_inferred"
	WarnNumericLabel     = "numeric_label"
)

// Extraction sources.
const (
	SourceDocument = "document"
	SourceInferred = "inferred"
	SourceDefault  = "default"
)

// NeedsReview is the sentinel concept substituted when the model echoed a
// number back instead of naming the concept.
const NeedsReview = "NEEDS_REVIEW"

// Evidence is the model's claimed grounding for an extraction.
type Evidence struct {
	Quote    string `json:"quote,omitempty"`
	Location string `json:"location,omitempty"`
}

// Extraction is one extracted financial parameter destined for a template
// cell. Phase 5 produces these; the recalc engine consumes them.
type Extraction struct {
	Sheet      string   `json:"sheet"`
	Cell       string   `json:"cell"`
	Label      string   `json:"label"`
	Concept    string   `json:"concept"`
	Value      float64  `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Source     string   `json:"source"`
	Confidence float64  `json:"confidence"`
	Evidence   Evidence `json:"evidence,omitempty"`
	Segment    string   `json:"segment,omitempty"`
	Period     string   `json:"period,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// evidenceTokenRatio is the minimum share of quote tokens that must appear in
// the document for the quote to count as grounded.
const evidenceTokenRatio = 0.6

// VerifyEvidence checks an extraction's quote against the source document.
// Missing quotes clamp confidence; quotes whose tokens mostly do not appear
// in the document halve it. Warnings record what happened.
func VerifyEvidence(item *Extraction, document string) {
	quote := strings.TrimSpace(item.Evidence.Quote)
	if quote == "" {
		if item.Confidence > 0.3 {
			item.Confidence = 0.3
		}
		addWarning(item, WarnEvidenceMissing)
		return
	}

	lowerDoc := strings.ToLower(document)
	lowerQuote := strings.ToLower(quote)
	if strings.Contains(lowerDoc, lowerQuote) {
		return
	}

	tokens := strings.Fields(lowerQuote)
	if len(tokens) == 0 {
		addWarning(item, WarnEvidenceNotFound)
		item.Confidence *= 0.5
		return
	}
	found := 0
	for _, token := range tokens {
		if strings.Contains(lowerDoc, token) {
			found++
		}
	}
	if float64(found)/float64(len(tokens)) < evidenceTokenRatio {
		item.Confidence *= 0.5
		addWarning(item, WarnEvidenceNotFound)
	}
}

// confidencePenalties is the fixed penalty per warning code.
var confidencePenalties = map[string]float64{
	WarnEvidenceMissing:  0.4,
	WarnEvidenceNotFound: 0.3,
	WarnSourceDefault:    0.2,
	WarnSourceInferred:   0.1,
	WarnNumericLabel:     0.15,
}

// ApplyConfidencePenalty subtracts the fixed penalty for each warning present
// on the item. Non-document sources are penalised once even when the
// corresponding warning was never attached. The result is clamped to [0,1].
func ApplyConfidencePenalty(item *Extraction) {
	confidence := item.Confidence
	seen := make(map[string]bool, len(item.Warnings))
	for _, warning := range item.Warnings {
		if penalty, ok := confidencePenalties[warning]; ok && !seen[warning] {
			confidence -= penalty
			seen[warning] = true
		}
	}
	if item.Source == SourceDefault && !seen[WarnSourceDefault] {
		confidence -= confidencePenalties[WarnSourceDefault]
	}
	if item.Source == SourceInferred && !seen[WarnSourceInferred] {
		confidence -= confidencePenalties[WarnSourceInferred]
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	item.Confidence = confidence
}

// numericLabelPattern matches concepts that are really just numbers, with
// optional Japanese magnitude and unit suffixes (万, 億, 円, %).
var numericLabelPattern = regexp.MustCompile(`^\d[\d,\.]*[万億千百]?[円%]?$`)

// CheckNumericConcept replaces number-shaped concepts with the NEEDS_REVIEW
// sentinel and caps confidence, so a model echoing "3,000万円" as the concept
// never slips into the model unreviewed.
func CheckNumericConcept(item *Extraction) {
	if !numericLabelPattern.MatchString(strings.TrimSpace(item.Concept)) {
		return
	}
	item.Concept = NeedsReview
	if item.Confidence > 0.2 {
		item.Confidence = 0.2
	}
	addWarning(item, WarnNumericLabel)
}

func addWarning(item *Extraction, code string) {
	for _, existing := range item.Warnings {
		if existing == code {
			return
		}
	}
	item.Warnings = append(item.Warnings, code)
}
