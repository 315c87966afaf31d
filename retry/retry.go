// Package retry is the retry policy shared by notification delivery and
// billing dunning: an attempt budget, a backoff schedule, and a terminal
// escalation hook run when a subject gives up.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/herald/backoff"
)

// Reason explains a Decision.
type Reason string

const (
	// ReasonTransient means the failure may clear and attempts remain.
	ReasonTransient Reason = "transient"
	// ReasonPermanent means retrying cannot help.
	ReasonPermanent Reason = "permanent"
	// ReasonExhausted means the attempt budget is spent.
	ReasonExhausted Reason = "exhausted"
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	// Retry is true when the subject should be attempted again after Delay.
	Retry  bool
	Delay  time.Duration
	Reason Reason
}

// EscalateFunc handles a subject that will not be retried again.
type EscalateFunc[T any] func(ctx context.Context, subject T, cause error) error

// Policy decides whether a failed attempt is retried. T is the domain
// subject handed to the escalation hook.
type Policy[T any] struct {
	// MaxAttempts is the total number of attempts, the first included.
	MaxAttempts int
	// Backoff returns the wait after failed attempt n.
	Backoff backoff.Strategy
	// OnExhausted runs once when Decide gives up on a subject.
	OnExhausted EscalateFunc[T]
}

// New creates a policy with an exponential schedule.
func New[T any](maxAttempts int, base, maxDelay time.Duration, onExhausted EscalateFunc[T]) Policy[T] {
	return Policy[T]{
		MaxAttempts: maxAttempts,
		Backoff:     backoff.NewExponential(base, maxDelay),
		OnExhausted: onExhausted,
	}
}

// WithMaxAttempts returns a copy of p with a different attempt budget.
// Non-positive n keeps the current budget.
func (p Policy[T]) WithMaxAttempts(n int) Policy[T] {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// Decide classifies err after attempt (1-indexed, the attempt that just
// failed).
func (p Policy[T]) Decide(attempt int, err error) Decision {
	switch {
	case err == nil:
		return Decision{}
	case IsPermanent(err):
		return Decision{Reason: ReasonPermanent}
	case attempt >= p.MaxAttempts:
		return Decision{Reason: ReasonExhausted}
	}
	var delay time.Duration
	if p.Backoff != nil {
		delay = p.Backoff.Delay(attempt)
	}
	return Decision{Retry: true, Delay: delay, Reason: ReasonTransient}
}

// Escalate runs the exhaustion hook, if any.
func (p Policy[T]) Escalate(ctx context.Context, subject T, cause error) error {
	if p.OnExhausted == nil {
		return nil
	}
	return p.OnExhausted(ctx, subject, cause)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain reports
// Permanent() == true.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
