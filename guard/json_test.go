package guard

import (
	"errors"
	"testing"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		stopReason string
		wantKey    string
		wantErr    error
	}{
		{
			name:    "plain JSON",
			input:   `{"goal": "test"}`,
			wantKey: "goal",
		},
		{
			name:    "markdown fence with language tag",
			input:   "```json\n{\"goal\": \"test\"}\n```",
			wantKey: "goal",
		},
		{
			name:    "bare fence",
			input:   "```\n{\"goal\": \"test\"}\n```",
			wantKey: "goal",
		},
		{
			name:    "junk prefix before object",
			input:   "Here is the result you asked for: {\"a\": 1}",
			wantKey: "a",
		},
		{
			name:    "fence plus trailing prose",
			input:   "```json\n{\"a\": 1}\n```\n\nLet me know if you need anything else.",
			wantKey: "a",
		},
		{
			name:    "no object at all",
			input:   "I cannot produce JSON for this request.",
			wantErr: ErrNoJSONObject,
		},
		{
			name:    "brace but unparseable without max tokens",
			input:   `{"a": `,
			wantErr: ErrExtractionFailed,
		},
		{
			name:       "truncated at max tokens keeps trailing value",
			input:      "```json\n{\"a\":1,\"b\":[1,2,3",
			stopReason: StopReasonMaxTokens,
			wantKey:    "b",
		},
		{
			name:       "truncated after key value pair keeps the key",
			input:      `{"a": 1, "x": 1`,
			stopReason: StopReasonMaxTokens,
			wantKey:    "x",
		},
		{
			name:       "truncated inside string does not repair",
			input:      `{"a": "unterminated`,
			stopReason: StopReasonMaxTokens,
			wantErr:    ErrExtractionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ExtractObject(tt.input, tt.stopReason)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ExtractObject() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractObject() unexpected error: %v", err)
			}
			if _, ok := parsed[tt.wantKey]; !ok {
				t.Errorf("ExtractObject() missing key %q in %v", tt.wantKey, parsed)
			}
		})
	}
}

func TestExtractObjectRepairValues(t *testing.T) {
	parsed, err := ExtractObject("```json\n{\"a\":1,\"b\":[1,2,3", StopReasonMaxTokens)
	if err != nil {
		t.Fatalf("ExtractObject() error: %v", err)
	}
	if got := parsed["a"].(float64); got != 1 {
		t.Errorf("a = %v, want 1", got)
	}
	items := parsed["b"].([]any)
	if len(items) != 3 {
		t.Fatalf("b has %d elements, want 3", len(items))
	}
	if items[2].(float64) != 3 {
		t.Errorf("b[2] = %v, want 3", items[2])
	}
}

func TestExtractObjectTruncatedNested(t *testing.T) {
	// Truncated mid-string inside a nested object: the repair must back off
	// to the last complete value.
	parsed, err := ExtractObject(`{"a": 1, "nested": {"b": 2, "c": "unfini`, StopReasonMaxTokens)
	if err != nil {
		t.Fatalf("ExtractObject() error: %v", err)
	}
	if _, ok := parsed["a"]; !ok {
		t.Errorf("repaired object lost key a: %v", parsed)
	}
	nested, ok := parsed["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested missing: %v", parsed)
	}
	if nested["b"].(float64) != 2 {
		t.Errorf("nested.b = %v, want 2", nested["b"])
	}
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name     string
		input    map[string]any
		expected []string
		wantKeys []string
	}{
		{
			name:     "expected keys present, untouched",
			input:    map[string]any{"segments": []any{}},
			expected: []string{"segments"},
			wantKeys: []string{"segments"},
		},
		{
			name: "single result envelope unwrapped",
			input: map[string]any{
				"result": map[string]any{"segments": []any{"a"}},
			},
			expected: []string{"segments"},
			wantKeys: []string{"segments"},
		},
		{
			name: "analysis envelope unwrapped",
			input: map[string]any{
				"analysis": map[string]any{"proposals": []any{}},
			},
			expected: []string{"proposals"},
			wantKeys: []string{"proposals"},
		},
		{
			name: "two envelope keys, ambiguous, untouched",
			input: map[string]any{
				"result": map[string]any{"segments": []any{}},
				"data":   map[string]any{"segments": []any{}},
			},
			expected: []string{"segments"},
			wantKeys: []string{"result", "data"},
		},
		{
			name: "envelope without expected keys, untouched",
			input: map[string]any{
				"result": map[string]any{"other": 1},
			},
			expected: []string{"segments"},
			wantKeys: []string{"result"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Unwrap(tt.input, tt.expected...)
			for _, key := range tt.wantKeys {
				if _, ok := got[key]; !ok {
					t.Errorf("Unwrap() missing key %q: %v", key, got)
				}
			}
		})
	}
}
