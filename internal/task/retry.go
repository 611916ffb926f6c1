package task

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the per-queue retry descriptor embedded in every task
// payload. The runner never consults it: producers (and handlers acting as
// producers of a successor task) use it to decide whether to re-enqueue
// after a failure and how long to wait.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	MinBackoff  time.Duration `json:"min_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// Exhausted reports whether attempts has reached the policy's budget.
// A zero MaxAttempts means a single attempt with no retries.
func (p RetryPolicy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return attempts >= max
}

// Backoff returns the delay before the given 1-based attempt: exponential
// from MinBackoff with jitter in [0.5, 1.5), clamped to MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	min := p.MinBackoff
	if min <= 0 {
		min = time.Second
	}
	d := time.Duration(float64(min) * math.Pow(2, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	jitter := 0.5 + rand.Float64() //nolint:gosec // backoff jitter is not security-sensitive
	d = time.Duration(float64(d) * jitter)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
