package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditRecord is one per-call ledger entry. Append-only.
type AuditRecord struct {
	ID                string    `json:"id,omitempty"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	Phase             int       `json:"phase"`
	PromptFingerprint string    `json:"prompt_fingerprint"`
	ResultFingerprint string    `json:"result_fingerprint"`
	InputTokens       int       `json:"input_tokens"`
	OutputTokens      int       `json:"output_tokens"`
	LatencyMs         int64     `json:"latency_ms"`
	Temperature       *float64  `json:"temperature,omitempty"`
	MaxTokens         int       `json:"max_tokens,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// PersistFunc stores a record durably. Injected so the auditor stays
// decoupled from the state store.
type PersistFunc func(ctx context.Context, record *AuditRecord) error

// Auditor keeps the in-memory call ledger and optionally persists each
// record. Persistence failures are logged and swallowed; the auditor never
// fails a caller.
type Auditor struct {
	mu      sync.Mutex
	records []AuditRecord

	persist PersistFunc
	logger  *slog.Logger
}

// AuditorOption configures an Auditor.
type AuditorOption func(*Auditor)

// WithPersist sets the persistence function.
func WithPersist(fn PersistFunc) AuditorOption {
	return func(a *Auditor) { a.persist = fn }
}

// WithAuditLogger sets the logger.
func WithAuditLogger(logger *slog.Logger) AuditorOption {
	return func(a *Auditor) { a.logger = logger }
}

// NewAuditor creates an auditor.
func NewAuditor(opts ...AuditorOption) *Auditor {
	a := &Auditor{logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record appends a call record and persists it when a persist function is
// configured.
func (a *Auditor) Record(ctx context.Context, record AuditRecord) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	a.mu.Lock()
	a.records = append(a.records, record)
	a.mu.Unlock()

	if a.persist == nil {
		return
	}
	if err := a.persist(ctx, &record); err != nil {
		a.logger.Warn("Failed to persist audit record",
			"provider", record.Provider,
			"phase", record.Phase,
			"error", err)
	}
}

// Records returns a copy of the in-memory ledger.
func (a *Auditor) Records() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

// PhaseUsage aggregates calls for one phase.
type PhaseUsage struct {
	Calls        int   `json:"calls"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	LatencyMs    int64 `json:"latency_ms"`
}

// Summary is the aggregate view over the ledger.
type Summary struct {
	TotalCalls        int                `json:"total_calls"`
	TotalInputTokens  int                `json:"total_input_tokens"`
	TotalOutputTokens int                `json:"total_output_tokens"`
	TotalLatencyMs    int64              `json:"total_latency_ms"`
	Errors            int                `json:"errors"`
	ByPhase           map[int]PhaseUsage `json:"by_phase"`
}

// Summarize scans the ledger and computes totals and a per-phase breakdown.
func (a *Auditor) Summarize() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	summary := Summary{ByPhase: make(map[int]PhaseUsage)}
	for _, record := range a.records {
		summary.TotalCalls++
		summary.TotalInputTokens += record.InputTokens
		summary.TotalOutputTokens += record.OutputTokens
		summary.TotalLatencyMs += record.LatencyMs
		if record.Error != "" {
			summary.Errors++
		}

		usage := summary.ByPhase[record.Phase]
		usage.Calls++
		usage.InputTokens += record.InputTokens
		usage.OutputTokens += record.OutputTokens
		usage.LatencyMs += record.LatencyMs
		summary.ByPhase[record.Phase] = usage
	}
	return summary
}
