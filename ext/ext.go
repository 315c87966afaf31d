package ext

import (
	"context"
	"time"

	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobSubmitted is called after a job is enqueued.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins a dispatch attempt.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after the provider accepted a message.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobSkipped is called when compliance blocks a dispatch.
type JobSkipped interface {
	OnJobSkipped(ctx context.Context, j *job.Job, reason string) error
}

// JobRetrying is called when a failed attempt is requeued.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRecovered is called when a stalled claim is returned to pending.
type JobRecovered interface {
	OnJobRecovered(ctx context.Context, j *job.Job) error
}

// OutcomeRecorded is called after an outcome record is appended.
type OutcomeRecorded interface {
	OnOutcomeRecorded(ctx context.Context, r *outcome.Record) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
