package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for LLM calls. Registered once at package init on the
// default registry.
var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planforge",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "LLM calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "planforge",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "LLM call latency.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planforge",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Tokens consumed by provider and direction.",
	}, []string{"provider", "direction"})
)

func observeCall(provider, outcome string, seconds float64, usage TokenUsage) {
	callsTotal.WithLabelValues(provider, outcome).Inc()
	callLatency.WithLabelValues(provider).Observe(seconds)
	tokensTotal.WithLabelValues(provider, "input").Add(float64(usage.PromptTokens))
	tokensTotal.WithLabelValues(provider, "output").Add(float64(usage.CompletionTokens))
}
