package llmfilter

import (
	"strings"
	"sync"
	"time"
)

const (
	failureThreshold = 3
	openDuration     = 300 * time.Second
)

// CircuitBreaker is the process-wide LLM circuit breaker spec.md §4.D
// describes: after failureThreshold consecutive failed attempts (fit
// markdown missing or whitespace-only), it opens for openDuration and the
// web handler falls back to the default (non-LLM) markdown generator.
type CircuitBreaker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	openUntil           time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{}
}

// Open reports whether the breaker is currently open (LLM use should be
// skipped).
func (c *CircuitBreaker) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.openUntil)
}

// RecordOutcome inspects a crawl's fit_markdown after an attempt where the
// LLM filter was used: missing or whitespace-only counts as a failure,
// anything else resets the breaker.
func (c *CircuitBreaker) RecordOutcome(fitMarkdown string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(fitMarkdown) == "" {
		c.consecutiveFailures++
		if c.consecutiveFailures >= failureThreshold {
			c.openUntil = time.Now().Add(openDuration)
		}
		return
	}
	c.consecutiveFailures = 0
	c.openUntil = time.Time{}
}
