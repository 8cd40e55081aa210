// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/planforge/planforge/guard"
	"github.com/planforge/planforge/llm"
)

// MockGenerator is a thread-safe scripted stand-in for llm.Client. Each call
// returns the next scripted raw response run through the real JSON guard, so
// agent tests exercise the same extraction path as production.
//
// Usage:
//
//	mock := &MockGenerator{Raw: []string{`{"segments": [...]}`}}
//	agent := NewAnalyzer(mock, ...)
type MockGenerator struct {
	mu sync.Mutex

	// Raw holds raw LLM texts to return in sequence.
	Raw []string

	// StopReason applies to every scripted response ("stop" if empty).
	StopReason string

	// Err, when set, is returned instead of a response.
	Err error

	// Requests captures every request for assertion.
	Requests []llm.Request

	index int
}

// GenerateJSON returns the next scripted response.
func (m *MockGenerator) GenerateJSON(_ context.Context, req llm.Request) (*llm.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}

	raw := "{}"
	if m.index < len(m.Raw) {
		raw = m.Raw[m.index]
		m.index++
	}
	stopReason := m.StopReason
	if stopReason == "" {
		stopReason = "stop"
	}

	parsed, err := guard.ExtractObject(raw, stopReason)
	if err != nil {
		return nil, llm.NewFatalError(err)
	}
	if req.OnDelta != nil {
		req.OnDelta(raw)
	}
	return &llm.Result{
		Parsed:            parsed,
		Raw:               raw,
		Model:             "test-model",
		StopReason:        stopReason,
		Usage:             llm.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		LatencyMs:         5,
		PromptFingerprint: llm.Fingerprint("test"),
		ResultFingerprint: llm.ResultFingerprint(parsed),
	}, nil
}

// CallCount returns the number of calls made.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
