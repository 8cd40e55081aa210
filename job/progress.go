package job

import (
	"math"
	"sync"
	"time"
)

// Heartbeat defaults. Progress climbs asymptotically from the start percent
// toward the ceiling while a long LLM call is in flight.
const (
	heartbeatStart   = 25.0
	heartbeatCeiling = 95.0
	heartbeatTau     = 120 * time.Second
	heartbeatTick    = 4 * time.Second
)

// Heartbeat reports time-based progress for calls that produce no
// intermediate output. Stop must be called when the wrapped call returns.
type Heartbeat struct {
	start    float64
	ceiling  float64
	tau      time.Duration
	interval time.Duration
	flush    func(int)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeat creates a heartbeat with the default curve. flush receives
// only distinct integer percentages.
func NewHeartbeat(flush func(int)) *Heartbeat {
	return &Heartbeat{
		start:    heartbeatStart,
		ceiling:  heartbeatCeiling,
		tau:      heartbeatTau,
		interval: heartbeatTick,
		flush:    flush,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// at computes the progress percent at elapsed t.
func (h *Heartbeat) at(t time.Duration) int {
	value := h.start + (h.ceiling-h.start)*(1-math.Exp(-t.Seconds()/h.tau.Seconds()))
	if value > h.ceiling {
		value = h.ceiling
	}
	return int(value)
}

// Start launches the ticker goroutine.
func (h *Heartbeat) Start() {
	go func() {
		defer close(h.done)
		began := time.Now()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		last := -1
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				percent := h.at(time.Since(began))
				if percent != last {
					last = percent
					h.flush(percent)
				}
			}
		}
	}()
}

// Stop cancels the ticker and waits for the goroutine to exit.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// StreamProgress maps cumulative streamed characters onto a progress percent
// against an estimated output budget. Only integer changes are flushed, which
// bounds the store write rate.
type StreamProgress struct {
	mu       sync.Mutex
	estimate float64
	received float64
	last     int
	flush    func(int)
}

// NewStreamProgress creates a tracker for an estimated output size in
// characters.
func NewStreamProgress(estimate int, flush func(int)) *StreamProgress {
	if estimate <= 0 {
		estimate = 4000
	}
	return &StreamProgress{estimate: float64(estimate), last: -1, flush: flush}
}

// Add records n more streamed characters.
func (p *StreamProgress) Add(n int) {
	p.mu.Lock()
	p.received += float64(n)
	ratio := p.received / p.estimate
	if ratio > 1 {
		ratio = 1
	}
	percent := int(20 + 75*ratio)
	if percent > 95 {
		percent = 95
	}
	changed := percent != p.last
	if changed {
		p.last = percent
	}
	p.mu.Unlock()

	if changed {
		p.flush(percent)
	}
}
