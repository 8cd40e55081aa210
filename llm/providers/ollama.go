package providers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/planforge/planforge/llm"
)

// OllamaProvider implements the Ollama native chat API. Local models need no
// API key, so availability always succeeds.
type OllamaProvider struct{}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string { return "ollama" }

// Available always succeeds: Ollama is local and keyless.
func (o *OllamaProvider) Available() error { return nil }

// BuildURL constructs the chat endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return strings.TrimSuffix(baseURL, "/") + "/api/chat"
}

// SetHeaders is a no-op: no authentication.
func (o *OllamaProvider) SetHeaders(_ *http.Request) {}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []llm.Message  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// BuildRequestBody creates the Ollama request body.
func (o *OllamaProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int, stream bool) ([]byte, error) {
	options := make(map[string]any)
	if temperature != nil {
		options["temperature"] = *temperature
	}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}
	return json.Marshal(ollamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options:  options,
	})
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// ParseResponse extracts content from a non-streaming response.
func (o *OllamaProvider) ParseResponse(body []byte) (*llm.Response, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}
	return &llm.Response{
		Content:    resp.Message.Content,
		Model:      resp.Model,
		StopReason: normalizeOllamaStop(resp.DoneReason),
		Usage: llm.TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

// ConsumeStream reads the NDJSON stream, forwarding content and taking usage
// from the terminal done message.
func (o *OllamaProvider) ConsumeStream(body io.Reader, onDelta func(string)) (*llm.Response, error) {
	resp := &llm.Response{StopReason: "stop"}
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), streamScanBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if onDelta != nil {
				onDelta(chunk.Message.Content)
			}
		}
		if chunk.Done {
			resp.StopReason = normalizeOllamaStop(chunk.DoneReason)
			resp.Usage = llm.TokenUsage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ollama stream: %w", err)
	}

	resp.Content = content.String()
	return resp, nil
}

// normalizeOllamaStop maps Ollama done reasons onto the guard's vocabulary.
func normalizeOllamaStop(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "stop", "":
		return "stop"
	default:
		return reason
	}
}
