package ratelimit

import (
	"context"
	"time"
)

// Throttle turns a Limiter into a gate that waits for capacity. All
// callers share one key, so the budget applies across the whole pool.
type Throttle struct {
	limiter Limiter
	key     string
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithThrottleClock replaces time.Now and the sleep used while waiting.
func WithThrottleClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) ThrottleOption {
	return func(t *Throttle) {
		t.now = now
		t.sleep = sleep
	}
}

// NewThrottle creates a Throttle over l for key.
func NewThrottle(l Limiter, key string, opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		limiter: l,
		key:     key,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Wait blocks until the limiter admits one event or ctx ends.
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		d, err := t.limiter.Allow(ctx, t.key)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		wait := d.RetryAfter(t.now())
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
