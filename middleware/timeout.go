package middleware

import (
	"context"
	"time"

	"github.com/xraph/herald/job"
)

// Timeout returns middleware that bounds each attempt. The job's own
// Timeout wins over fallback; with neither set the attempt is unbounded.
// An attempt that overruns returns context.DeadlineExceeded, which callers
// classify as transient.
//
// The bound is hard: when the deadline passes, Timeout returns even if the
// handler has not, and the handler's eventual result is discarded. A
// provider that ignores ctx may therefore still deliver after its attempt
// was counted as timed out; delivery is at-least-once and the message
// carries an idempotency key for that case.
func Timeout(fallback time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		d := j.Timeout
		if d <= 0 {
			d = fallback
		}
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type result struct {
			err   error
			panic any
		}
		done := make(chan result, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- result{panic: r}
				}
			}()
			done <- result{err: next(ctx)}
		}()

		select {
		case r := <-done:
			if r.panic != nil {
				panic(r.panic)
			}
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
