// Package backoff provides retry delay schedules. All strategies are
// stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait after failed attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay after every failed attempt.
// Delay(n) = min(Base * 2^(n-1), Max). A zero Max means uncapped.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return exponential(e.Base, e.Max, attempt)
}

// ExponentialWithJitter spreads retries of jobs that failed together.
// The jitter is only ever added: Delay(n) lies in
// [Base * 2^(n-1), Base * 2^(n-1) * (1 + Factor)], capped at Max, so the
// exponential schedule stays a lower bound.
type ExponentialWithJitter struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// NewExponentialWithJitter creates an exponential backoff that adds up to
// factor * delay of random spread.
func NewExponentialWithJitter(base, maxDelay time.Duration, factor float64) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Max: maxDelay, Factor: factor}
}

// Delay returns the exponential delay plus a random share of it.
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	d := exponential(e.Base, e.Max, attempt)
	if e.Factor <= 0 || d <= 0 {
		return d
	}
	d += time.Duration(rand.Float64() * e.Factor * float64(d)) //nolint:gosec // jitter does not need crypto rand
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

func exponential(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
		if d >= time.Duration(1<<62) {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
