// Package llm provides the provider-agnostic adapter in front of the LLM
// backends: one request contract, streaming consumption, JSON guarding,
// retry with backoff and a per-call audit trail.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/guard"
)

// jsonOnlySuffix is appended to every system prompt for GenerateJSON calls.
// Models drift into prose without it.
const jsonOnlySuffix = "\n\nRespond with raw JSON only. Start your response with '{' and do not wrap it in markdown fences or add commentary."

// Request defines one adapter call.
type Request struct {
	// Provider names the backend ("anthropic", "openai", "ollama").
	Provider string

	// Model is the explicit model; empty selects the standard-tier
	// default from the catalog.
	Model string

	// BaseURL overrides the provider's default endpoint (mainly tests).
	BaseURL string

	// Phase tags the call for audit aggregation.
	Phase int

	// Messages is the ordered chat history.
	Messages []Message

	// Temperature is nil for the provider default.
	Temperature *float64

	// MaxTokens limits the response length. 0 uses the provider default.
	MaxTokens int

	// OnDelta, when set, receives each streamed text chunk as it arrives.
	// Used by workers to drive token-based progress.
	OnDelta func(chunk string)
}

// Result is the adapter's return value: parsed output plus call metadata.
type Result struct {
	Parsed            map[string]any
	Raw               string
	Usage             TokenUsage
	LatencyMs         int64
	StopReason        string
	Model             string
	PromptFingerprint string
	ResultFingerprint string
}

// Client is the uniform adapter over all registered providers.
type Client struct {
	httpClient  *http.Client
	retryConfig RetryConfig
	auditor     *Auditor
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retryConfig = cfg }
}

// WithAuditor sets the audit ledger. Without one, calls are not audited.
func WithAuditor(a *Auditor) ClientOption {
	return func(client *Client) { client.auditor = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// NewClient creates a new adapter client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 300 * time.Second, // LLM calls are slow; workers enforce their own limits
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateJSON issues one streaming generation and returns the guarded,
// parsed JSON object plus call metadata. Provider failures are retried with
// exponential backoff; guard failures are not (the same prompt would yield
// the same unusable output).
func (c *Client) GenerateJSON(ctx context.Context, req Request) (*Result, error) {
	result, err := c.complete(ctx, req, true)
	if err != nil {
		return nil, err
	}

	parsed, guardErr := guard.ExtractObject(result.Raw, result.StopReason)
	if guardErr != nil {
		c.audit(ctx, req, result, guardErr)
		return nil, NewFatalError(apperr.Wrap(apperr.KindJSONGuard,
			fmt.Sprintf("LLM output unusable (provider %s)", req.Provider), guardErr))
	}

	result.Parsed = parsed
	result.ResultFingerprint = ResultFingerprint(parsed)
	c.audit(ctx, req, result, nil)
	return result, nil
}

// StreamText issues one streaming generation without JSON parsing. Used for
// progress feedback surfaces.
func (c *Client) StreamText(ctx context.Context, req Request) (*Result, error) {
	result, err := c.complete(ctx, req, false)
	if err != nil {
		return nil, err
	}
	c.audit(ctx, req, result, nil)
	return result, nil
}

// complete runs the retry loop around one provider call.
func (c *Client) complete(ctx context.Context, req Request, jsonOnly bool) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	provider := GetProvider(req.Provider)
	if provider == nil {
		return nil, &UnavailableError{Provider: req.Provider, Reason: "unknown provider"}
	}
	if err := provider.Available(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = DefaultModel(req.Provider, TierStandard)
	}

	systemPrompt, userPrompt := mergeMessages(req.Messages)
	if jsonOnly {
		systemPrompt += jsonOnlySuffix
	}
	merged := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.Attempts; attempt++ {
		if attempt > 0 {
			delay := c.retryConfig.backoff(attempt)
			c.logger.Debug("Retrying LLM request",
				"provider", req.Provider,
				"attempt", attempt,
				"backoff", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.doStream(ctx, provider, model, merged, req)
		if err == nil {
			result.PromptFingerprint = Fingerprint(systemPrompt, userPrompt)
			return result, nil
		}
		lastErr = err
		if IsFatal(err) || IsUnavailable(err) {
			break
		}
	}

	c.audit(ctx, req, &Result{Model: model}, lastErr)
	if IsFatal(lastErr) || IsUnavailable(lastErr) {
		return nil, lastErr
	}
	return nil, apperr.Wrap(apperr.KindProvider,
		fmt.Sprintf("provider %s failed after %d retries", req.Provider, c.retryConfig.Attempts), lastErr)
}

// doStream executes one streaming HTTP request against the provider.
func (c *Client) doStream(ctx context.Context, provider Provider, model string, messages []Message, req Request) (*Result, error) {
	body, err := provider.BuildRequestBody(model, messages, req.Temperature, req.MaxTokens, true)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := provider.BuildURL(req.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	provider.SetHeaders(httpReq)

	started := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		observeCall(provider.Name(), "transport_error", time.Since(started).Seconds(), TokenUsage{})
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		observeCall(provider.Name(), "api_error", time.Since(started).Seconds(), TokenUsage{})
		return nil, classifyHTTPError(httpResp.StatusCode)
	}

	resp, err := provider.ConsumeStream(httpResp.Body, req.OnDelta)
	latency := time.Since(started)
	if err != nil {
		observeCall(provider.Name(), "stream_error", latency.Seconds(), TokenUsage{})
		return nil, NewTransientError(fmt.Errorf("consume stream: %w", err))
	}

	observeCall(provider.Name(), "ok", latency.Seconds(), resp.Usage)
	actualModel := resp.Model
	if actualModel == "" {
		actualModel = model
	}
	return &Result{
		Raw:        resp.Content,
		Usage:      resp.Usage,
		LatencyMs:  latency.Milliseconds(),
		StopReason: resp.StopReason,
		Model:      actualModel,
	}, nil
}

// mergeMessages concatenates system messages into one system prompt and
// user/assistant messages into one user prompt, preserving order.
func mergeMessages(messages []Message) (systemPrompt, userPrompt string) {
	var system, user []string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			// Prior responses are folded into the user prompt as context.
			user = append(user, "[Previous response]\n"+msg.Content)
		default:
			user = append(user, msg.Content)
		}
	}
	return strings.Join(system, "\n\n"), strings.Join(user, "\n\n")
}

// classifyHTTPError decides whether an HTTP error status is worth retrying.
func classifyHTTPError(statusCode int) error {
	err := fmt.Errorf("LLM API error (status %d)", statusCode)
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}

// audit records the call when an auditor is configured.
func (c *Client) audit(ctx context.Context, req Request, result *Result, callErr error) {
	if c.auditor == nil || result == nil {
		return
	}
	record := AuditRecord{
		Provider:          req.Provider,
		Model:             result.Model,
		Phase:             req.Phase,
		PromptFingerprint: result.PromptFingerprint,
		ResultFingerprint: result.ResultFingerprint,
		InputTokens:       result.Usage.PromptTokens,
		OutputTokens:      result.Usage.CompletionTokens,
		LatencyMs:         result.LatencyMs,
		Temperature:       req.Temperature,
		MaxTokens:         req.MaxTokens,
	}
	if callErr != nil {
		record.Error = callErr.Error()
	}
	c.auditor.Record(ctx, record)
}
