// Package middleware provides composable middleware around a single
// delivery attempt. Middleware wraps the provider call synchronously and can
// bound it (timeout), observe it (logging, tracing, metrics) or guard it
// (panic recovery).
//
//	mw := middleware.Chain(
//	    middleware.Recover(logger),
//	    middleware.Tracing(),
//	    middleware.Metrics(),
//	    middleware.Logging(logger),
//	    middleware.Timeout(15*time.Second),
//	)
package middleware

import (
	"context"

	"github.com/xraph/herald/job"
)

// Handler performs one delivery attempt.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// job being delivered and the next handler. Middleware must call next to
// continue the chain unless it short-circuits with an error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper:
//
//	Chain(recover, logging, timeout) runs recover → logging → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}
