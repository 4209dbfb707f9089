package tools

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based): min doubled
// per attempt and capped at max. attempt < 1 yields zero.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 || min <= 0 {
		return 0
	}
	d := min
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Jitter spreads d across [d/2, d] using r, a value in [0, 1).
func Jitter(d time.Duration, r float64) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(r*float64(d-half))
}

// RetryPolicy bounds how often a failed operation is retried and how long to
// wait in between.
type RetryPolicy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	// Rand defaults to math/rand/v2 when nil.
	Rand func() float64
}

// Exhausted reports whether attempts failed tries used up the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Delay is the jittered wait before the next try after attempts failures.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return Jitter(Backoff(attempts, p.Min, p.Max), r())
}
