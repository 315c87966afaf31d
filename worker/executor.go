// Package worker is the consumer side of the queue: a Pool of goroutines
// that claim ready jobs, and an Executor that runs one claimed job through
// rendering, the dispatch throttle, compliance and the provider, then
// finalizes or requeues it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/middleware"
	"github.com/xraph/herald/outcome"
	"github.com/xraph/herald/provider"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/render"
	"github.com/xraph/herald/retry"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithThrottle bounds dispatch throughput. One Throttle is shared by every
// worker of a pool.
func WithThrottle(t *ratelimit.Throttle) ExecutorOption {
	return func(e *Executor) { e.throttle = t }
}

// WithExtensions sets the registry notified of lifecycle events.
func WithExtensions(r *ext.Registry) ExecutorOption {
	return func(e *Executor) { e.extensions = r }
}

// WithMiddleware wraps every provider call.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor processes one claimed job at a time per call. It is safe for
// concurrent use.
type Executor struct {
	store      job.Store
	compliance *compliance.Gate
	renderer   render.Renderer
	provider   provider.Provider
	outcomes   *outcome.Logger
	policy     retry.Policy[*job.Job]
	throttle   *ratelimit.Throttle
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an Executor. The policy's attempt budget is replaced
// per job by the job's MaxAttempts.
func NewExecutor(
	store job.Store,
	gate *compliance.Gate,
	renderer render.Renderer,
	prov provider.Provider,
	outcomes *outcome.Logger,
	policy retry.Policy[*job.Job],
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		store:      store,
		compliance: gate,
		renderer:   renderer,
		provider:   prov,
		outcomes:   outcomes,
		policy:     policy,
		mw:         middleware.Chain(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.extensions == nil {
		e.extensions = ext.NewRegistry(e.logger)
	}
	return e
}

// Execute runs one attempt of a claimed job. It returns nil when the job
// was finalized or requeued as planned; errors report store failures, a
// lost lease, or a cancelled throttle wait.
//
// Rendering precedes the throttle wait. The compliance lookup follows the
// wait and immediately precedes the provider call.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	start := e.now()
	attempt := j.Attempts + 1

	body, err := e.renderer.Render(ctx, j)
	if err != nil {
		return e.handleFailure(ctx, j, attempt, retry.Permanent(fmt.Errorf("render: %w", err)), start)
	}

	if e.throttle != nil {
		if err := e.throttle.Wait(ctx); err != nil {
			return e.release(ctx, j, err)
		}
	}

	verdict, err := e.compliance.Check(ctx, j.Recipient, j.Category)
	if err != nil {
		return e.handleFailure(ctx, j, attempt, fmt.Errorf("compliance lookup: %w", err), start)
	}
	if !verdict.Allowed {
		return e.skip(ctx, j, verdict.Reason, start)
	}

	j.Attempts = attempt
	e.extensions.EmitJobStarted(ctx, j)

	msg := provider.Message{
		JobID:          j.ID,
		Category:       j.Category,
		Recipient:      j.Recipient,
		Subject:        j.Subject,
		Body:           body,
		IdempotencyKey: j.ID.String(),
	}
	var receipt provider.Receipt
	err = e.mw(ctx, j, func(ctx context.Context) error {
		r, sendErr := e.provider.Send(ctx, msg)
		receipt = r
		return sendErr
	})
	if err != nil {
		return e.handleFailure(ctx, j, attempt, err, start)
	}
	return e.handleSuccess(ctx, j, attempt, receipt, start)
}

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, attempt int, receipt provider.Receipt, start time.Time) error {
	now := e.now()
	if err := e.finalize(ctx, j, job.Result{
		State:      job.StateCompleted,
		Attempts:   attempt,
		FinishedAt: now,
	}); err != nil {
		return err
	}

	elapsed := now.Sub(start)
	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	e.record(ctx, outcome.Entry{
		Job:               j,
		Status:            outcome.StatusSent,
		ProviderMessageID: receipt.MessageID,
		Attempts:          attempt,
		Duration:          elapsed,
	})
	return nil
}

// handleFailure consults the retry policy for the attempt that just failed.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, attempt int, cause error, start time.Time) error {
	d := e.policy.WithMaxAttempts(j.MaxAttempts).Decide(attempt, cause)
	if d.Retry {
		return e.scheduleRetry(ctx, j, attempt, d.Delay, cause)
	}

	now := e.now()
	if err := e.finalize(ctx, j, job.Result{
		State:      job.StateFailed,
		Attempts:   attempt,
		LastError:  cause.Error(),
		FinishedAt: now,
	}); err != nil {
		return err
	}

	e.logger.Warn("delivery failed permanently",
		slog.String("job_id", j.ID.String()),
		slog.String("category", string(j.Category)),
		slog.String("reason", string(d.Reason)),
		slog.Int("attempts", attempt),
		slog.String("error", cause.Error()),
	)
	e.extensions.EmitJobFailed(ctx, j, cause)
	e.record(ctx, outcome.Entry{
		Job:      j,
		Status:   outcome.StatusFailed,
		Attempts: attempt,
		Err:      cause,
		Duration: now.Sub(start),
	})
	if err := e.policy.Escalate(context.WithoutCancel(ctx), j, cause); err != nil {
		e.logger.Error("failure escalation error",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, attempt int, delay time.Duration, cause error) error {
	nextRunAt := e.now().Add(delay).UTC()
	err := e.store.RequeueJob(context.WithoutCancel(ctx), j.ID, j.ClaimToken, job.Requeue{
		RunAt:     nextRunAt,
		Attempts:  attempt,
		LastError: cause.Error(),
	})
	if err != nil {
		return e.storeError("requeue", j, err)
	}

	e.extensions.EmitJobRetrying(ctx, j, attempt, nextRunAt)
	e.logger.Info("delivery scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (e *Executor) skip(ctx context.Context, j *job.Job, reason string, start time.Time) error {
	now := e.now()
	if err := e.finalize(ctx, j, job.Result{
		State:      job.StateSkipped,
		Attempts:   j.Attempts,
		LastError:  reason,
		FinishedAt: now,
	}); err != nil {
		return err
	}

	e.logger.Info("delivery skipped",
		slog.String("job_id", j.ID.String()),
		slog.String("recipient", j.Recipient),
		slog.String("reason", reason),
	)
	e.extensions.EmitJobSkipped(ctx, j, reason)
	e.record(ctx, outcome.Entry{
		Job:      j,
		Status:   outcome.StatusSkipped,
		Attempts: j.Attempts,
		Duration: now.Sub(start),
	})
	return nil
}

// release gives the claim back without consuming an attempt.
func (e *Executor) release(ctx context.Context, j *job.Job, cause error) error {
	err := e.store.RequeueJob(context.WithoutCancel(ctx), j.ID, j.ClaimToken, job.Requeue{
		RunAt:     e.now().UTC(),
		Attempts:  j.Attempts,
		LastError: j.LastError,
		Release:   true,
	})
	if err != nil {
		return e.storeError("release", j, err)
	}
	return fmt.Errorf("worker: released %s: %w", j.ID, cause)
}

func (e *Executor) finalize(ctx context.Context, j *job.Job, r job.Result) error {
	if err := e.store.FinalizeJob(context.WithoutCancel(ctx), j.ID, j.ClaimToken, r); err != nil {
		return e.storeError("finalize", j, err)
	}
	j.State = r.State
	j.Attempts = r.Attempts
	j.LastError = r.LastError
	finished := r.FinishedAt
	j.FinishedAt = &finished
	return nil
}

func (e *Executor) storeError(op string, j *job.Job, err error) error {
	if errors.Is(err, herald.ErrLeaseLost) {
		e.logger.Warn("claim lost before "+op+", leaving job to its new owner",
			slog.String("job_id", j.ID.String()),
		)
	} else {
		e.logger.Error("failed to "+op+" job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("worker: %s %s: %w", op, j.ID, err)
}

// record writes the outcome and notifies extensions. A failed write is
// logged; the terminal state is already durable.
func (e *Executor) record(ctx context.Context, entry outcome.Entry) {
	rec, err := e.outcomes.Log(context.WithoutCancel(ctx), entry)
	if err != nil {
		if !errors.Is(err, herald.ErrOutcomeExists) {
			e.logger.Error("failed to record outcome",
				slog.String("job_id", entry.Job.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	e.extensions.EmitOutcomeRecorded(ctx, rec)
}
