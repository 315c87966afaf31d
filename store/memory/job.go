package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
)

// EnqueueJob persists a new job and assigns its Seq.
func (m *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	return m.EnqueueJobs(ctx, []*job.Job{j})
}

// EnqueueJobs persists all jobs or none.
func (m *Store) EnqueueJobs(_ context.Context, jobs []*job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		key := j.ID.String()
		if _, exists := m.jobs[key]; exists {
			return herald.ErrJobAlreadyExists
		}
		if _, dup := seen[key]; dup {
			return herald.ErrJobAlreadyExists
		}
		if j.State != job.StatePending && j.State != job.StateDelayed {
			return herald.ErrInvalidState
		}
		seen[key] = struct{}{}
	}

	now := time.Now().UTC()
	for _, j := range jobs {
		m.seq++
		j.Seq = m.seq
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = now
		}
		m.jobs[j.ID.String()] = j.Clone()
	}
	return nil
}

// ClaimJobs atomically claims up to opts.Limit ready jobs, highest score
// first, then oldest enqueue.
func (m *Store) ClaimJobs(_ context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	candidates := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Ready(now) {
			candidates = append(candidates, j)
		}
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Score != candidates[k].Score {
			return candidates[i].Score > candidates[k].Score
		}
		return candidates[i].Seq < candidates[k].Seq
	})

	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	lease := now.Add(opts.Lease)
	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		started := now
		heartbeat := now
		leaseUntil := lease
		j.State = job.StateActive
		j.ClaimToken = uuid.NewString()
		j.WorkerID = opts.WorkerID
		j.StartedAt = &started
		j.HeartbeatAt = &heartbeat
		j.LeaseUntil = &leaseUntil
		j.UpdatedAt = now
		// Return a copy so callers can mutate without racing with the store.
		result[i] = j.Clone()
	}
	return result, nil
}

// owned returns the stored job if token holds its active claim.
// Caller holds mu.
func (m *Store) owned(jobID id.JobID, token string) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, herald.ErrJobNotFound
	}
	if j.State != job.StateActive || j.ClaimToken == "" || j.ClaimToken != token {
		return nil, herald.ErrLeaseLost
	}
	return j, nil
}

// HeartbeatJob extends the lease of an owned claim.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, token string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, token)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	j.LeaseUntil = &leaseUntil
	return nil
}

// RequeueJob returns an owned job to delayed, or to pending on release.
func (m *Store) RequeueJob(_ context.Context, jobID id.JobID, token string, r job.Requeue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, token)
	if err != nil {
		return err
	}
	j.State = job.StateDelayed
	if r.Release {
		j.State = job.StatePending
	}
	j.Attempts = r.Attempts
	j.LastError = r.LastError
	j.RunAt = r.RunAt
	j.ClaimToken = ""
	j.WorkerID = id.Nil
	j.LeaseUntil = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// FinalizeJob moves an owned job to a terminal state.
func (m *Store) FinalizeJob(_ context.Context, jobID id.JobID, token string, r job.Result) error {
	if !r.State.Terminal() {
		return herald.ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, token)
	if err != nil {
		return err
	}
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	j.State = r.State
	j.Attempts = r.Attempts
	j.LastError = r.LastError
	j.FinishedAt = &finished
	j.ClaimToken = ""
	j.LeaseUntil = nil
	j.UpdatedAt = finished
	return nil
}

// RecoverStalledJobs returns expired claims to pending.
func (m *Store) RecoverStalledJobs(_ context.Context, now time.Time) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recovered []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateActive || j.LeaseUntil == nil || !j.LeaseUntil.Before(now) {
			continue
		}
		j.State = job.StatePending
		j.RunAt = now
		j.LastError = "lease expired"
		j.ClaimToken = ""
		j.WorkerID = id.Nil
		j.LeaseUntil = nil
		j.UpdatedAt = now
		recovered = append(recovered, j.Clone())
	}
	return recovered, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, herald.ErrJobNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns jobs ordered by Seq.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		result = append(result, j.Clone())
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Seq < result[k].Seq })
	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountJobs returns per-state counts as of now.
func (m *Store) CountJobs(_ context.Context, now time.Time) (job.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c job.Counts
	for _, j := range m.jobs {
		switch j.State {
		case job.StatePending:
			c.Waiting++
		case job.StateDelayed:
			if j.RunAt.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
			}
		case job.StateActive:
			c.Active++
		case job.StateCompleted:
			c.Completed++
		case job.StateFailed:
			c.Failed++
		case job.StateSkipped:
			c.Skipped++
		}
	}
	return c, nil
}

// DrainJobs deletes waiting jobs, and every delayed one when includeDelayed.
func (m *Store) DrainJobs(_ context.Context, now time.Time, includeDelayed bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, j := range m.jobs {
		drain := j.State == job.StatePending ||
			(j.State == job.StateDelayed && (includeDelayed || !j.RunAt.After(now)))
		if drain {
			delete(m.jobs, key)
			n++
		}
	}
	return n, nil
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
