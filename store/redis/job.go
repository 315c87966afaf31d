package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
)

// EnqueueJob persists a new job and assigns its Seq.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	return s.EnqueueJobs(ctx, []*job.Job{j})
}

// EnqueueJobs writes all jobs in one MULTI/EXEC transaction.
func (s *Store) EnqueueJobs(ctx context.Context, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	keys := make([]string, len(jobs))
	seen := make(map[string]struct{}, len(jobs))
	for i, j := range jobs {
		if j.State != job.StatePending && j.State != job.StateDelayed {
			return herald.ErrInvalidState
		}
		if _, dup := seen[j.ID.String()]; dup {
			return herald.ErrJobAlreadyExists
		}
		seen[j.ID.String()] = struct{}{}
		keys[i] = jobKey(j.ID.String())
	}

	exists, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("herald/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return herald.ErrJobAlreadyExists
	}

	last, err := s.client.IncrBy(ctx, seqKey, int64(len(jobs))).Result()
	if err != nil {
		return fmt.Errorf("herald/redis: enqueue seq: %w", err)
	}

	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	for i, j := range jobs {
		j.Seq = last - int64(len(jobs)) + int64(i) + 1
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = now
		}
		fields, err := jobToMap(j)
		if err != nil {
			return err
		}
		jID := j.ID.String()
		pipe.HSet(ctx, keys[i], fields)
		pipe.ZAdd(ctx, jobIndexKey, goredis.Z{Score: float64(j.Seq), Member: jID})
		pipe.ZAdd(ctx, scheduledKey, goredis.Z{Score: float64(j.RunAt.UnixMilli()), Member: jID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: enqueue jobs: %w", err)
	}
	return nil
}

// ClaimJobs claims up to opts.Limit ready jobs in one script call.
func (s *Store) ClaimJobs(ctx context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	limit := opts.Limit
	if limit < 1 {
		limit = 1
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	args := []any{
		now.UnixMilli(),
		now.Add(opts.Lease).UnixMilli(),
		opts.WorkerID.String(),
		jobKeyPrefix,
		limit,
	}
	for range limit {
		args = append(args, uuid.NewString())
	}

	ids, err := claimScript.Run(ctx, s.client, []string{scheduledKey, readyKey, activeKey}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: claim jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, err := s.getJobByKey(ctx, jobKey(jID))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// HeartbeatJob extends the lease of an owned claim.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, token string, leaseUntil time.Time) error {
	jID := jobID.String()
	res, err := heartbeatScript.Run(ctx, s.client, []string{jobKey(jID), activeKey},
		token, leaseUntil.UnixMilli(), time.Now().UnixMilli(), jID,
	).Int()
	if err != nil {
		return fmt.Errorf("herald/redis: heartbeat job: %w", err)
	}
	return ownerResult(res)
}

// RequeueJob returns an owned job to delayed, or to pending on release.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID, token string, r job.Requeue) error {
	state := job.StateDelayed
	if r.Release {
		state = job.StatePending
	}
	jID := jobID.String()
	res, err := requeueScript.Run(ctx, s.client, []string{jobKey(jID), activeKey, scheduledKey},
		token, string(state), r.Attempts, r.LastError, r.RunAt.UnixMilli(), time.Now().UnixMilli(), jID,
	).Int()
	if err != nil {
		return fmt.Errorf("herald/redis: requeue job: %w", err)
	}
	return ownerResult(res)
}

// FinalizeJob moves an owned job to a terminal state.
func (s *Store) FinalizeJob(ctx context.Context, jobID id.JobID, token string, r job.Result) error {
	if !r.State.Terminal() {
		return herald.ErrInvalidState
	}
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	jID := jobID.String()
	res, err := finalizeScript.Run(ctx, s.client, []string{jobKey(jID), activeKey, terminalKey(string(r.State))},
		token, string(r.State), r.Attempts, r.LastError, finished.UnixMilli(), jID,
	).Int()
	if err != nil {
		return fmt.Errorf("herald/redis: finalize job: %w", err)
	}
	return ownerResult(res)
}

func ownerResult(res int) error {
	switch res {
	case -1:
		return herald.ErrJobNotFound
	case 0:
		return herald.ErrLeaseLost
	}
	return nil
}

// RecoverStalledJobs returns expired claims to pending.
func (s *Store) RecoverStalledJobs(ctx context.Context, now time.Time) ([]*job.Job, error) {
	ids, err := recoverScript.Run(ctx, s.client, []string{activeKey, scheduledKey},
		now.UnixMilli(), jobKeyPrefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: recover stalled jobs: %w", err)
	}
	return s.getJobs(ctx, ids)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// ListJobs returns jobs ordered by Seq.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	if opts.State == "" {
		start := int64(opts.Offset)
		stop := int64(-1)
		if opts.Limit > 0 {
			stop = start + int64(opts.Limit) - 1
		}
		ids, err := s.client.ZRange(ctx, jobIndexKey, start, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("herald/redis: list jobs: %w", err)
		}
		return s.getJobs(ctx, ids)
	}

	ids, err := s.client.ZRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list jobs: %w", err)
	}
	all, err := s.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	matched := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if j.State == opts.State {
			matched = append(matched, j)
		}
	}
	return paginate(matched, opts.Offset, opts.Limit), nil
}

// CountJobs derives counts from the queue sets.
func (s *Store) CountJobs(ctx context.Context, now time.Time) (job.Counts, error) {
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)

	pipe := s.client.Pipeline()
	due := pipe.ZCount(ctx, scheduledKey, "-inf", nowMs)
	future := pipe.ZCount(ctx, scheduledKey, "("+nowMs, "+inf")
	ready := pipe.ZCard(ctx, readyKey)
	active := pipe.ZCard(ctx, activeKey)
	completed := pipe.SCard(ctx, terminalKey(string(job.StateCompleted)))
	failed := pipe.SCard(ctx, terminalKey(string(job.StateFailed)))
	skipped := pipe.SCard(ctx, terminalKey(string(job.StateSkipped)))
	if _, err := pipe.Exec(ctx); err != nil {
		return job.Counts{}, fmt.Errorf("herald/redis: count jobs: %w", err)
	}

	return job.Counts{
		Waiting:   due.Val() + ready.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   future.Val(),
		Skipped:   skipped.Val(),
	}, nil
}

// DrainJobs deletes waiting jobs, and every delayed one when includeDelayed.
func (s *Store) DrainJobs(ctx context.Context, now time.Time, includeDelayed bool) (int64, error) {
	flag := "0"
	if includeDelayed {
		flag = "1"
	}
	n, err := drainScript.Run(ctx, s.client,
		[]string{scheduledKey, readyKey, jobIndexKey},
		jobKeyPrefix, flag, now.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: drain jobs: %w", err)
	}
	return n, nil
}

// ── helpers ──

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, herald.ErrJobNotFound
	}
	return mapToJob(vals)
}

// getJobs loads jobs in ids order, skipping ids deleted concurrently.
func (s *Store) getJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(jID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("herald/redis: get jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		j, err := mapToJob(vals)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
