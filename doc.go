// Package herald provides an asynchronous notification delivery queue with
// retry orchestration. Producers submit delivery jobs through a validating,
// rate-limited gate; a bounded worker pool claims them from a durable store,
// re-checks recipient compliance, throttles dispatch, and retries transient
// provider failures with exponential backoff. Every terminal transition is
// recorded exactly once in an append-only outcome log.
//
// Delivery is at-least-once. A job whose worker disappears mid-dispatch is
// recovered after its lease expires and may be sent again.
//
// # Quick Start
//
//	eng, err := engine.New(herald.DefaultConfig(),
//	    engine.WithProvider(webhook.New(url)),
//	    engine.WithLogger(logger),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//	jobID, err := eng.Submit(ctx, submit.Request{...})
//
// # Architecture
//
// Each subsystem (job, compliance, outcome, dunning) defines its own store
// interface and a single backend (memory, redis, postgres) implements the
// ones it supports. All entity IDs use TypeID.
package herald
