// Package agent implements the pipeline's phase agents. Each agent is a pure
// function of (prompts, previous phases' raw JSON, optional feedback,
// optional catalog) to a typed result, with all LLM output passed through
// the JSON guard.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/llm"
)

// Generator is what agents need from the LLM adapter. Satisfied by
// llm.Client and the scripted mock in llm/testutil.
type Generator interface {
	GenerateJSON(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// CatalogItem is one writable input cell discovered by the template scan.
type CatalogItem struct {
	Sheet           string   `json:"sheet"`
	Cell            string   `json:"cell"`
	Label           string   `json:"label"`
	CandidateLabels []string `json:"candidate_labels,omitempty"`
	Unit            string   `json:"unit,omitempty"`
	Period          string   `json:"period,omitempty"`
	Block           string   `json:"block,omitempty"`
}

// rawPrefixLen bounds how much raw LLM output ends up in error messages.
const rawPrefixLen = 100

func rawPrefix(raw string) string {
	runes := []rune(raw)
	if len(runes) > rawPrefixLen {
		return string(runes[:rawPrefixLen]) + "..."
	}
	return raw
}

// emptyCritical builds the error for a structurally valid but semantically
// empty LLM result. Never replaced with fake data; the user retries with
// feedback instead.
func emptyCritical(phase int, field, raw string) error {
	return apperr.New(apperr.KindEmptyResult,
		fmt.Sprintf("phase %d returned an empty %s; raw response starts with: %s",
			phase, field, rawPrefix(raw)))
}

// decodeResult round-trips a guarded map into the agent's typed result.
func decodeResult(parsed map[string]any, out any) error {
	data, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Errorf("re-encode parsed result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode into typed result: %w", err)
	}
	return nil
}

// fill substitutes {slot} placeholders in a prompt template.
func fill(template string, slots map[string]string) string {
	pairs := make([]string, 0, len(slots)*2)
	for slot, value := range slots {
		pairs = append(pairs, "{"+slot+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// feedbackBlock formats optional user feedback for a user prompt slot.
func feedbackBlock(feedback string) string {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return ""
	}
	return "User feedback on the previous attempt (address it):\n" + feedback
}
