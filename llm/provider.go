package llm

import (
	"io"
	"net/http"
	"sync"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// TokenUsage represents token consumption for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains a provider-level completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that served the request.
	Model string

	// Usage contains token consumption metrics from the provider.
	Usage TokenUsage

	// StopReason is the normalised stop reason ("stop", "max_tokens", ...).
	StopReason string
}

// Provider defines the interface for LLM provider implementations.
// Implementations are stateless; one instance is shared across requests.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// Available reports whether the provider can be used in this process.
	// Returns an *UnavailableError when the API-key environment variable
	// is missing. Checked lazily on first use, not at registration.
	Available() error

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body. temperature is nil
	// to use the provider default. stream selects the streaming protocol.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int, stream bool) ([]byte, error)

	// ParseResponse extracts the response from a non-streaming body.
	ParseResponse(body []byte) (*Response, error)

	// ConsumeStream reads a streaming response body to completion,
	// invoking onDelta for each text chunk, and returns the assembled
	// response with usage and stop reason.
	ConsumeStream(body io.Reader, onDelta func(string)) (*Response, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, nil if unknown.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
