package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/guard"
	"github.com/planforge/planforge/llm/testutil"
	"github.com/planforge/planforge/store"
)

var testDesign = json.RawMessage(`{
	"cell_assignments": [
		{"sheet": "Revenue", "cell": "C4", "label": "初年度売上高", "concept": "first_year_revenue", "unit": "円", "period": "FY1"},
		{"sheet": "Revenue", "cell": "C5", "label": "売上成長率", "concept": "growth_rate", "unit": "%", "period": "FY1-FY5"},
		{"sheet": "Costs", "cell": "C4", "label": "売上原価率", "concept": "cogs_rate", "unit": "%", "period": "FY1-FY5"}
	]
}`)

const testDocument = "初年度の売上高は3,000万円を計画している。売上総利益率は70%を想定。"

func TestExtractorGuardsAndBackfill(t *testing.T) {
	mock := &testutil.MockGenerator{Raw: []string{`{
		"extractions": [
			{"sheet": "Revenue", "cell": "C4", "label": "3,000万円", "concept": "first_year_revenue",
			 "value": 30000000, "unit": "円", "source": "document", "confidence": 0.9,
			 "evidence": {"quote": "初年度の売上高は3,000万円を計画している。"}},
			{"sheet": "Revenue", "cell": "C5", "label": "売上成長率", "concept": "growth_rate",
			 "value": 0.3, "unit": "%", "source": "somewhere", "confidence": 0.8}
		]
	}`}}
	extractor := NewExtractor(mock, testRegistry(t), nil)

	result, err := extractor.Extract(context.Background(), ExtractInput{
		Design:   testDesign,
		Document: testDocument,
		LLM:      store.LLMConfig{Provider: "anthropic"},
	})
	require.NoError(t, err)
	require.Len(t, result.Extractions, 3) // 2 extracted + 1 backfilled

	first := result.Extractions[0]
	// Numeric label replaced from the design; grounded quote keeps confidence.
	assert.Equal(t, "初年度売上高", first.Label)
	assert.Equal(t, guard.SourceDocument, first.Source)
	assert.InDelta(t, 0.9, first.Confidence, 0.001)

	second := result.Extractions[1]
	// Unknown source normalised to default, missing evidence clamps, then
	// penalties apply.
	assert.Equal(t, guard.SourceDefault, second.Source)
	assert.Contains(t, second.Warnings, guard.WarnEvidenceMissing)
	assert.LessOrEqual(t, second.Confidence, 0.3)

	third := result.Extractions[2]
	assert.Equal(t, "Costs", third.Sheet)
	assert.Equal(t, "売上原価率", third.Label)
	assert.Equal(t, guard.SourceDefault, third.Source)
	assert.InDelta(t, backfillConfidence, third.Confidence, 0.001)

	assert.Equal(t, 1, result.Stats.Backfilled)
	assert.Equal(t, 3, result.Stats.Total)
	assert.NotEmpty(t, result.Warnings)
}

func TestExtractorSourceInvariant(t *testing.T) {
	mock := &testutil.MockGenerator{Raw: []string{`{
		"extractions": [
			{"sheet": "Revenue", "cell": "C4", "label": "x", "concept": "c1",
			 "value": 1, "source": "document", "confidence": 0.9,
			 "evidence": {"quote": "初年度の売上高は3,000万円を計画している。"}},
			{"sheet": "Revenue", "cell": "C5", "label": "y", "concept": "c2",
			 "value": 2, "source": "inferred", "confidence": 0.7,
			 "evidence": {"quote": "初年度の売上高は3,000万円を計画している。"}},
			{"sheet": "Costs", "cell": "C4", "label": "z", "concept": "c3",
			 "value": 3, "source": "", "confidence": 0.5,
			 "evidence": {"quote": "初年度の売上高は3,000万円を計画している。"}}
		]
	}`}}
	extractor := NewExtractor(mock, testRegistry(t), nil)

	result, err := extractor.Extract(context.Background(), ExtractInput{
		Design:   testDesign,
		Document: testDocument,
		LLM:      store.LLMConfig{Provider: "anthropic"},
	})
	require.NoError(t, err)

	valid := map[string]bool{guard.SourceDocument: true, guard.SourceInferred: true, guard.SourceDefault: true}
	for _, item := range result.Extractions {
		assert.True(t, valid[item.Source], "source %q must be one of document|inferred|default", item.Source)
		assert.GreaterOrEqual(t, item.Confidence, 0.0)
		assert.LessOrEqual(t, item.Confidence, 1.0)
	}
}

func TestExtractorNumericConcept(t *testing.T) {
	mock := &testutil.MockGenerator{Raw: []string{`{
		"extractions": [
			{"sheet": "Revenue", "cell": "C4", "label": "初年度売上高", "concept": "3,000万円",
			 "value": 30000000, "source": "document", "confidence": 0.9,
			 "evidence": {"quote": "初年度の売上高は3,000万円を計画している。"}}
		]
	}`}}
	extractor := NewExtractor(mock, testRegistry(t), nil)

	result, err := extractor.Extract(context.Background(), ExtractInput{
		Design:   nil,
		Document: testDocument,
		LLM:      store.LLMConfig{Provider: "anthropic"},
	})
	require.NoError(t, err)

	item := result.Extractions[0]
	assert.Equal(t, guard.NeedsReview, item.Concept)
	assert.LessOrEqual(t, item.Confidence, 0.2)
	assert.Equal(t, 1, result.Stats.NeedsReview)
}

func TestExtractorStrictMode(t *testing.T) {
	mock := &testutil.MockGenerator{Raw: []string{`{
		"extractions": [
			{"sheet": "Revenue", "cell": "C4", "label": "初年度売上高", "concept": "first_year_revenue",
			 "value": 30000000, "source": "document", "confidence": 0.9,
			 "evidence": {"quote": "初年度の売上高は3,000万円を計画している。"}},
			{"sheet": "Revenue", "cell": "C5", "label": "売上成長率", "concept": "growth_rate",
			 "value": 0.3, "source": "default", "confidence": 0.4}
		]
	}`}}
	extractor := NewExtractor(mock, testRegistry(t), nil)

	result, err := extractor.Extract(context.Background(), ExtractInput{
		Design:     testDesign,
		Document:   testDocument,
		StrictMode: true,
		LLM:        store.LLMConfig{Provider: "anthropic"},
	})
	require.NoError(t, err)

	// The low-confidence extraction and the backfilled default are dropped.
	require.Len(t, result.Extractions, 1)
	assert.Equal(t, "C4", result.Extractions[0].Cell)
	assert.NotEmpty(t, result.UnmappedCells)
}

func TestExtractorRejectsEmptyExtractions(t *testing.T) {
	mock := &testutil.MockGenerator{Raw: []string{`{"extractions": []}`}}
	extractor := NewExtractor(mock, testRegistry(t), nil)

	_, err := extractor.Extract(context.Background(), ExtractInput{
		Design: testDesign, Document: testDocument,
		LLM: store.LLMConfig{Provider: "anthropic"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase 5")
}
