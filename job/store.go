package job

import (
	"context"
	"time"

	"github.com/xraph/herald/id"
)

// ClaimOpts controls a ClaimJobs call.
type ClaimOpts struct {
	// Limit is the maximum number of jobs to claim.
	Limit int
	// WorkerID identifies the claiming pool.
	WorkerID id.WorkerID
	// Now is the claim time. Jobs with RunAt after Now are not ready.
	Now time.Time
	// Lease is how long the claim stays valid without a heartbeat.
	Lease time.Duration
}

// Requeue describes an active job returned to the ready pool.
type Requeue struct {
	// RunAt is when the job becomes eligible again.
	RunAt time.Time
	// Attempts is the new completed-attempt count.
	Attempts int
	// LastError is the failure that caused the requeue.
	LastError string
	// Release returns the job to pending without a retry delay, used when
	// a worker gives a claim back before dispatching. Otherwise the job
	// moves to delayed.
	Release bool
}

// Result is the terminal state written by FinalizeJob.
type Result struct {
	State      State
	Attempts   int
	LastError  string
	FinishedAt time.Time
}

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// State filters by lifecycle state. Empty means all states.
	State State
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Counts is the per-state breakdown reported by CountJobs. Waiting counts
// pending jobs and delayed jobs that are already due; Delayed counts only
// those still waiting for RunAt.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Skipped   int64 `json:"skipped"`
}

// Store defines the persistence contract for delivery jobs. It is the
// single source of truth for job lifecycle state.
type Store interface {
	// EnqueueJob persists a new job. The job's State must be pending or
	// delayed. The store assigns Seq.
	EnqueueJob(ctx context.Context, j *Job) error

	// EnqueueJobs persists all jobs or none.
	EnqueueJobs(ctx context.Context, jobs []*Job) error

	// ClaimJobs atomically selects up to opts.Limit ready jobs ordered by
	// Score descending then Seq ascending, marks them active under a fresh
	// claim token, and returns them. No two concurrent calls return the
	// same job.
	ClaimJobs(ctx context.Context, opts ClaimOpts) ([]*Job, error)

	// HeartbeatJob extends the lease of a claim. Returns
	// herald.ErrLeaseLost when token no longer owns the job.
	HeartbeatJob(ctx context.Context, jobID id.JobID, token string, leaseUntil time.Time) error

	// RequeueJob moves an owned active job back to delayed (or pending
	// when r.Release is set). Returns herald.ErrLeaseLost on a stale token.
	RequeueJob(ctx context.Context, jobID id.JobID, token string, r Requeue) error

	// FinalizeJob moves an owned active job to a terminal state. Returns
	// herald.ErrLeaseLost on a stale token.
	FinalizeJob(ctx context.Context, jobID id.JobID, token string, r Result) error

	// RecoverStalledJobs returns active jobs whose lease expired before
	// now to pending, revoking their claim tokens, and returns them.
	RecoverStalledJobs(ctx context.Context, now time.Time) ([]*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs ordered by Seq.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns per-state counts as of now.
	CountJobs(ctx context.Context, now time.Time) (Counts, error)

	// DrainJobs deletes every job CountJobs would report as Waiting at
	// now: pending jobs and delayed jobs already due. With includeDelayed
	// every delayed job goes too. Returns the number removed.
	DrainJobs(ctx context.Context, now time.Time, includeDelayed bool) (int64, error)
}
