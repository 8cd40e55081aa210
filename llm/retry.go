package llm

import "time"

// RetryConfig holds retry configuration for LLM requests.
type RetryConfig struct {
	// Attempts is the number of retries after the first attempt.
	Attempts int

	// BaseDelay is the first backoff duration; each retry doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the backoff duration.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for LLM requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:  2,
		BaseDelay: 2 * time.Second,
		MaxDelay:  30 * time.Second,
	}
}

// backoff computes the delay before retry n (1-based): base * 2^(n-1).
func (c RetryConfig) backoff(retry int) time.Duration {
	delay := c.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}
