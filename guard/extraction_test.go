package guard

import (
	"math"
	"testing"
)

func TestVerifyEvidence(t *testing.T) {
	document := "当社の売上は初年度100万円を見込む。成長率は年20%とする。"

	tests := []struct {
		name           string
		item           Extraction
		wantConfidence float64
		wantWarnings   []string
	}{
		{
			name:           "missing quote clamps confidence",
			item:           Extraction{Confidence: 0.9},
			wantConfidence: 0.3,
			wantWarnings:   []string{WarnEvidenceMissing},
		},
		{
			name:           "missing quote below clamp unchanged",
			item:           Extraction{Confidence: 0.2},
			wantConfidence: 0.2,
			wantWarnings:   []string{WarnEvidenceMissing},
		},
		{
			name: "exact quote accepted",
			item: Extraction{
				Confidence: 0.9,
				Evidence:   Evidence{Quote: "売上は初年度100万円"},
			},
			wantConfidence: 0.9,
		},
		{
			name: "fabricated quote halves confidence",
			item: Extraction{
				Confidence: 0.8,
				Evidence:   Evidence{Quote: "henceforth profits quadruple annually forever"},
			},
			wantConfidence: 0.4,
			wantWarnings:   []string{WarnEvidenceNotFound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := tt.item
			VerifyEvidence(&item, document)
			if math.Abs(item.Confidence-tt.wantConfidence) > 1e-9 {
				t.Errorf("confidence = %v, want %v", item.Confidence, tt.wantConfidence)
			}
			if len(item.Warnings) != len(tt.wantWarnings) {
				t.Fatalf("warnings = %v, want %v", item.Warnings, tt.wantWarnings)
			}
			for i, want := range tt.wantWarnings {
				if item.Warnings[i] != want {
					t.Errorf("warnings[%d] = %q, want %q", i, item.Warnings[i], want)
				}
			}
		})
	}
}

func TestApplyConfidencePenalty(t *testing.T) {
	tests := []struct {
		name string
		item Extraction
		want float64
	}{
		{
			name: "document source no warnings unchanged",
			item: Extraction{Source: SourceDocument, Confidence: 0.8},
			want: 0.8,
		},
		{
			name: "evidence missing warning",
			item: Extraction{Source: SourceDocument, Confidence: 0.8, Warnings: []string{WarnEvidenceMissing}},
			want: 0.4,
		},
		{
			name: "default source without warning still penalised",
			item: Extraction{Source: SourceDefault, Confidence: 0.5},
			want: 0.3,
		},
		{
			name: "default source with warning penalised once",
			item: Extraction{Source: SourceDefault, Confidence: 0.5, Warnings: []string{WarnSourceDefault}},
			want: 0.3,
		},
		{
			name: "inferred source penalised",
			item: Extraction{Source: SourceInferred, Confidence: 0.5},
			want: 0.4,
		},
		{
			name: "clamped at zero",
			item: Extraction{Source: SourceDefault, Confidence: 0.1, Warnings: []string{WarnEvidenceMissing, WarnEvidenceNotFound}},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := tt.item
			ApplyConfidencePenalty(&item)
			if math.Abs(item.Confidence-tt.want) > 1e-9 {
				t.Errorf("confidence = %v, want %v", item.Confidence, tt.want)
			}
		})
	}
}

func TestCheckNumericConcept(t *testing.T) {
	tests := []struct {
		concept     string
		wantReplace bool
	}{
		{"売上高", false},
		{"3000", true},
		{"3,000万円", true},
		{"12.5%", true},
		{"100億円", true},
		{"売上3000", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.concept, func(t *testing.T) {
			item := Extraction{Concept: tt.concept, Confidence: 0.9}
			CheckNumericConcept(&item)
			if tt.wantReplace {
				if item.Concept != NeedsReview {
					t.Errorf("concept = %q, want %q", item.Concept, NeedsReview)
				}
				if item.Confidence > 0.2 {
					t.Errorf("confidence = %v, want <= 0.2", item.Confidence)
				}
				if len(item.Warnings) == 0 || item.Warnings[0] != WarnNumericLabel {
					t.Errorf("warnings = %v, want numeric_label", item.Warnings)
				}
			} else if item.Concept != tt.concept {
				t.Errorf("concept changed to %q", item.Concept)
			}
		})
	}
}
