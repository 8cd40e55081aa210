package llm_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/llm"
	_ "github.com/planforge/planforge/llm/providers"
)

// ollamaChunks writes an Ollama-style NDJSON stream for the given content.
func ollamaChunks(w http.ResponseWriter, content string) {
	for _, part := range strings.SplitAfter(content, ",") {
		fmt.Fprintf(w, `{"model":"test","message":{"content":%q},"done":false}`+"\n", part)
	}
	fmt.Fprint(w, `{"model":"test","message":{"content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":7}`+"\n")
}

func TestGenerateJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		ollamaChunks(w, `{"industry":"saas","segments":[1,2]}`)
	}))
	defer server.Close()

	auditor := llm.NewAuditor()
	client := llm.NewClient(llm.WithAuditor(auditor))

	var streamed strings.Builder
	result, err := client.GenerateJSON(context.Background(), llm.Request{
		Provider: "ollama",
		Model:    "test",
		BaseURL:  server.URL,
		Phase:    2,
		Messages: []llm.Message{
			{Role: "system", Content: "you are an analyst"},
			{Role: "user", Content: "analyze this"},
		},
		OnDelta: func(chunk string) { streamed.WriteString(chunk) },
	})
	require.NoError(t, err)

	assert.Equal(t, "saas", result.Parsed["industry"])
	assert.Equal(t, "stop", result.StopReason)
	assert.Equal(t, 12, result.Usage.PromptTokens)
	assert.Equal(t, 7, result.Usage.CompletionTokens)
	assert.Len(t, result.PromptFingerprint, 16)
	assert.Len(t, result.ResultFingerprint, 16)
	assert.Contains(t, streamed.String(), "industry")

	records := auditor.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Phase)
	assert.NotEmpty(t, records[0].PromptFingerprint)
	assert.NotEmpty(t, records[0].ResultFingerprint)
	assert.Empty(t, records[0].Error)
}

func TestGenerateJSONRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ollamaChunks(w, `{"ok":true}`)
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithRetryConfig(llm.RetryConfig{Attempts: 2, BaseDelay: 0}))
	result, err := client.GenerateJSON(context.Background(), llm.Request{
		Provider: "ollama",
		Model:    "test",
		BaseURL:  server.URL,
		Messages: []llm.Message{{Role: "user", Content: "go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result.Parsed["ok"])
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerateJSONGuardFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"model":"test","message":{"content":"no json here at all"},"done":true,"done_reason":"stop"}`+"\n")
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithRetryConfig(llm.RetryConfig{Attempts: 3, BaseDelay: 0}))
	_, err := client.GenerateJSON(context.Background(), llm.Request{
		Provider: "ollama",
		Model:    "test",
		BaseURL:  server.URL,
		Messages: []llm.Message{{Role: "user", Content: "go"}},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindJSONGuard, apperr.KindOf(err))
	// The guard failure happens after a successful HTTP exchange; the same
	// prompt would fail again, so exactly one call is made.
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateJSONUnknownProvider(t *testing.T) {
	client := llm.NewClient()
	_, err := client.GenerateJSON(context.Background(), llm.Request{
		Provider: "does-not-exist",
		Messages: []llm.Message{{Role: "user", Content: "go"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsUnavailable(err))
}

func TestGenerateJSONMissingAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	client := llm.NewClient()
	_, err := client.GenerateJSON(context.Background(), llm.Request{
		Provider: "anthropic",
		Messages: []llm.Message{{Role: "user", Content: "go"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsUnavailable(err))
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestStreamTextNoParsing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"model":"test","message":{"content":"plain prose, not JSON"},"done":true,"done_reason":"stop"}`+"\n")
	}))
	defer server.Close()

	client := llm.NewClient()
	result, err := client.StreamText(context.Background(), llm.Request{
		Provider: "ollama",
		Model:    "test",
		BaseURL:  server.URL,
		Messages: []llm.Message{{Role: "user", Content: "say something"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "plain prose, not JSON", result.Raw)
	assert.Nil(t, result.Parsed)
}
