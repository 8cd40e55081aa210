// Package guard post-processes LLM output before it is accepted as a phase
// result: JSON extraction and repair, envelope unwrapping, evidence grounding,
// confidence penalties and document truncation policies.
package guard

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// StopReasonMaxTokens is the normalised stop reason for length-truncated
// generations. Providers map their native reason onto this value.
const StopReasonMaxTokens = "max_tokens"

// maxRepairCandidates bounds how many cut points the truncation repair tries.
const maxRepairCandidates = 30

// Typed extraction failures. Callers distinguish them to decide whether a
// retry could possibly help (it cannot: same prompt, same output).
var (
	// ErrNoJSONObject means the response contains no '{' at all.
	ErrNoJSONObject = fmt.Errorf("no JSON object in response")
	// ErrExtractionFailed means a '{' was found but nothing parseable
	// could be recovered.
	ErrExtractionFailed = fmt.Errorf("JSON extraction failed")
)

// Pre-compiled fallback extraction patterns, tried in order.
var (
	fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*\\n?(\\{.*\\})\\s*```")
	fencedAnyPattern  = regexp.MustCompile("(?s)```\\s*\\n?(\\{.*\\})\\s*```")
	bareObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	leadingFence      = regexp.MustCompile("^\\s*```[a-zA-Z]*\\s*\\n?")
	trailingFence     = regexp.MustCompile("\\n?\\s*```\\s*$")
)

// ExtractObject extracts a JSON object from raw LLM output.
//
// stopReason selects the repair strategy: when the generation was cut off at
// the token limit the text is repaired by closing open braces/brackets at the
// latest viable cut point; otherwise regex fallbacks try to locate a complete
// object buried in surrounding prose.
func ExtractObject(content, stopReason string) (map[string]any, error) {
	text := stripFences(content)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, fmt.Errorf("%w: %.80s", ErrNoJSONObject, content)
	}
	text = text[start:]

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed, nil
	}

	if stopReason == StopReasonMaxTokens {
		if repaired, ok := repairTruncated(text); ok {
			return repaired, nil
		}
		return nil, fmt.Errorf("%w: truncated response could not be repaired", ErrExtractionFailed)
	}

	for _, pattern := range []*regexp.Regexp{fencedJSONPattern, fencedAnyPattern} {
		if m := pattern.FindStringSubmatch(content); len(m) > 1 {
			if err := json.Unmarshal([]byte(m[1]), &parsed); err == nil {
				return parsed, nil
			}
		}
	}
	if m := bareObjectPattern.FindString(content); m != "" {
		if err := json.Unmarshal([]byte(m), &parsed); err == nil {
			return parsed, nil
		}
	}

	return nil, fmt.Errorf("%w: %.80s", ErrExtractionFailed, content)
}

// stripFences removes a leading markdown code fence (with optional language
// tag) and its matching trailing fence.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return content
	}
	out := leadingFence.ReplaceAllString(trimmed, "")
	out = trailingFence.ReplaceAllString(out, "")
	return out
}

// cutPoint records a position where a value or container plausibly ended,
// with the container depths in effect just after that character.
type cutPoint struct {
	pos          int
	ch           byte
	braceDepth   int
	bracketDepth int
}

// repairTruncated closes a generation that ran out of tokens mid-object.
//
// One forward pass tracks string/escape state and container depths, recording
// every '}', ']' and ',' seen outside strings. Candidates are formed newest
// first: the full text (when it does not end inside a string), then each cut
// point with the text truncated there. Open brackets then braces are appended
// and the first candidate that parses wins.
func repairTruncated(text string) (map[string]any, bool) {
	var (
		cuts         []cutPoint
		inString     bool
		escaped      bool
		braceDepth   int
		bracketDepth int
	)

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			braceDepth++
		case '}':
			braceDepth--
			cuts = append(cuts, cutPoint{i, ch, braceDepth, bracketDepth})
		case '[':
			bracketDepth++
		case ']':
			bracketDepth--
			cuts = append(cuts, cutPoint{i, ch, braceDepth, bracketDepth})
		case ',':
			cuts = append(cuts, cutPoint{i, ch, braceDepth, bracketDepth})
		}
	}

	var candidates []string
	if !inString {
		// The text may simply stop after a complete value; closing the
		// open containers at the very end preserves the most data.
		candidates = append(candidates, text+closers(bracketDepth, braceDepth))
	}
	for i := len(cuts) - 1; i >= 0 && len(candidates) < maxRepairCandidates; i-- {
		cut := cuts[i]
		end := cut.pos + 1
		if cut.ch == ',' {
			end = cut.pos // drop the dangling comma
		}
		candidates = append(candidates, text[:end]+closers(cut.bracketDepth, cut.braceDepth))
	}

	for _, candidate := range candidates {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed, true
		}
	}
	return nil, false
}

func closers(bracketDepth, braceDepth int) string {
	if bracketDepth < 0 {
		bracketDepth = 0
	}
	if braceDepth < 0 {
		braceDepth = 0
	}
	return strings.Repeat("]", bracketDepth) + strings.Repeat("}", braceDepth)
}

// envelopeKeys are container keys LLMs commonly wrap their answer in.
var envelopeKeys = []string{"result", "response", "data", "output", "analysis", "design"}

// Unwrap tolerates envelope drift: when the parsed object lacks the expected
// top-level keys but wraps them inside exactly one well-known container key,
// the inner mapping is substituted.
func Unwrap(parsed map[string]any, expectedKeys ...string) map[string]any {
	for _, key := range expectedKeys {
		if _, ok := parsed[key]; ok {
			return parsed
		}
	}

	var inner map[string]any
	found := 0
	for _, key := range envelopeKeys {
		value, ok := parsed[key]
		if !ok {
			continue
		}
		found++
		if mapping, ok := value.(map[string]any); ok {
			inner = mapping
		}
	}
	if found != 1 || inner == nil {
		return parsed
	}
	for _, key := range expectedKeys {
		if _, ok := inner[key]; ok {
			return inner
		}
	}
	return parsed
}
