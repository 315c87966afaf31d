package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the result of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the current window for the key expires.
	ResetAt time.Time
}

// RetryAfter is the time from now until the window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Limiter admits or refuses one event for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Refunder is implemented by limiters that can give back a slot taken by
// an allowed event that then did not happen. d is the Decision of that
// Allow; a slot of an already expired window is not refunded.
type Refunder interface {
	Refund(ctx context.Context, key string, d Decision) error
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindow) { l.now = now }
}

type window struct {
	start time.Time
	count int
}

// FixedWindow is an in-memory fixed-window limiter. It is safe for
// concurrent use.
type FixedWindow struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

var (
	_ Limiter  = (*FixedWindow)(nil)
	_ Refunder = (*FixedWindow)(nil)
)

// NewFixedWindow allows limit events per key in each window of length period.
func NewFixedWindow(limit int, period time.Duration, opts ...Option) *FixedWindow {
	l := &FixedWindow{
		limit:   limit,
		period:  period,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow counts one event against key.
func (l *FixedWindow) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w := l.windows[key]
	if w == nil || !now.Before(w.start.Add(l.period)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	resetAt := w.start.Add(l.period)

	if w.count >= l.limit {
		return Decision{Allowed: false, ResetAt: resetAt}, nil
	}
	w.count++
	return Decision{Allowed: true, Remaining: l.limit - w.count, ResetAt: resetAt}, nil
}

// Refund returns one slot to key's window when that window is still the
// one d was issued in.
func (l *FixedWindow) Refund(_ context.Context, key string, d Decision) error {
	if !d.Allowed {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w != nil && w.count > 0 && w.start.Add(l.period).Equal(d.ResetAt) {
		w.count--
	}
	return nil
}

// sweep drops expired windows at most once per period. Caller holds mu.
func (l *FixedWindow) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.period {
		return
	}
	l.lastSweep = now
	for k, w := range l.windows {
		if !now.Before(w.start.Add(l.period)) {
			delete(l.windows, k)
		}
	}
}

// Len returns the number of live windows.
func (l *FixedWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Unlimited admits everything. It stands in for a disabled limit.
type Unlimited struct{}

// Allow always admits.
func (Unlimited) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}
