// Package retry computes when a failed job becomes eligible again. The
// schedule lives on the job row (attempts, next_eligible_at); this package
// only turns an attempt count into a delay.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes the delay before the next claim of a job that failed on
// its attempt-th claim (1-indexed).
type Policy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay on every attempt and adds random jitter so a
// burst of jobs failing together does not come back as a burst.
// Delay = min(Base * 2^(attempt-1), Max) * (1 + rand[0, Jitter)).
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

// NewExponential creates an exponential policy with jitter.
func NewExponential(base, maxDelay time.Duration, jitter float64) *Exponential {
	return &Exponential{Base: base, Max: maxDelay, Jitter: jitter, rand: rand.Float64}
}

// DefaultPolicy returns the policy used when nothing is configured:
// 5 minutes doubling up to 6 hours with 20% jitter.
func DefaultPolicy() *Exponential {
	return NewExponential(5*time.Minute, 6*time.Hour, 0.2)
}

// Delay never returns less than Base.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter > 0 {
		r := rand.Float64
		if e.rand != nil {
			r = e.rand
		}
		d += d * e.Jitter * r() //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}
