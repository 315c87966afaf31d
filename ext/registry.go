package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
)

// entry pairs a hook with the extension name captured at registration.
type entry[H any] struct {
	name string
	hook H
}

func add[H any](list []entry[H], e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name: e.Name(), hook: h})
	}
	return list
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
// Register before the engine starts; emits are not synchronized with it.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobSubmitted    []entry[JobSubmitted]
	jobStarted      []entry[JobStarted]
	jobCompleted    []entry[JobCompleted]
	jobSkipped      []entry[JobSkipped]
	jobRetrying     []entry[JobRetrying]
	jobFailed       []entry[JobFailed]
	jobRecovered    []entry[JobRecovered]
	outcomeRecorded []entry[OutcomeRecorded]
	shutdown        []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension to every hook cache it implements.
// Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)

	r.jobSubmitted = add(r.jobSubmitted, e)
	r.jobStarted = add(r.jobStarted, e)
	r.jobCompleted = add(r.jobCompleted, e)
	r.jobSkipped = add(r.jobSkipped, e)
	r.jobRetrying = add(r.jobRetrying, e)
	r.jobFailed = add(r.jobFailed, e)
	r.jobRecovered = add(r.jobRecovered, e)
	r.outcomeRecorded = add(r.outcomeRecorded, e)
	r.shutdown = add(r.shutdown, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitJobSubmitted notifies JobSubmitted hooks.
func (r *Registry) EmitJobSubmitted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobSubmitted {
		r.check("OnJobSubmitted", e.name, e.hook.OnJobSubmitted(ctx, j))
	}
}

// EmitJobStarted notifies JobStarted hooks.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		r.check("OnJobStarted", e.name, e.hook.OnJobStarted(ctx, j))
	}
}

// EmitJobCompleted notifies JobCompleted hooks.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		r.check("OnJobCompleted", e.name, e.hook.OnJobCompleted(ctx, j, elapsed))
	}
}

// EmitJobSkipped notifies JobSkipped hooks.
func (r *Registry) EmitJobSkipped(ctx context.Context, j *job.Job, reason string) {
	for _, e := range r.jobSkipped {
		r.check("OnJobSkipped", e.name, e.hook.OnJobSkipped(ctx, j, reason))
	}
}

// EmitJobRetrying notifies JobRetrying hooks.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	for _, e := range r.jobRetrying {
		r.check("OnJobRetrying", e.name, e.hook.OnJobRetrying(ctx, j, attempt, nextRunAt))
	}
}

// EmitJobFailed notifies JobFailed hooks.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		r.check("OnJobFailed", e.name, e.hook.OnJobFailed(ctx, j, jobErr))
	}
}

// EmitJobRecovered notifies JobRecovered hooks.
func (r *Registry) EmitJobRecovered(ctx context.Context, j *job.Job) {
	for _, e := range r.jobRecovered {
		r.check("OnJobRecovered", e.name, e.hook.OnJobRecovered(ctx, j))
	}
}

// EmitOutcomeRecorded notifies OutcomeRecorded hooks.
func (r *Registry) EmitOutcomeRecorded(ctx context.Context, rec *outcome.Record) {
	for _, e := range r.outcomeRecorded {
		r.check("OnOutcomeRecorded", e.name, e.hook.OnOutcomeRecorded(ctx, rec))
	}
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.check("OnShutdown", e.name, e.hook.OnShutdown(ctx))
	}
}

// check logs a hook error. Hook errors never propagate.
func (r *Registry) check(hook, extName string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
