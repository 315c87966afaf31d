package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
)

const jobColumns = `
	id, seq, category, recipient, subject, template_id, data, user_id, alert_id,
	priority, score, max_attempts, timeout, created_at,
	state, attempts, run_at, last_error, worker_id, claim_token,
	lease_until, heartbeat_at, started_at, finished_at, updated_at`

// EnqueueJob persists a new job and assigns its Seq.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	return s.EnqueueJobs(ctx, []*job.Job{j})
}

// EnqueueJobs inserts all jobs in one transaction.
func (s *Store) EnqueueJobs(ctx context.Context, jobs []*job.Job) error {
	for _, j := range jobs {
		if j.State != job.StatePending && j.State != job.StateDelayed {
			return herald.ErrInvalidState
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("herald/postgres: begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	now := time.Now().UTC()
	for _, j := range jobs {
		var data []byte
		if j.Data != nil {
			if data, err = json.Marshal(j.Data); err != nil {
				return fmt.Errorf("herald/postgres: encode payload: %w", err)
			}
		}
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = now
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO herald_jobs (
				id, category, recipient, subject, template_id, data, user_id, alert_id,
				priority, score, max_attempts, timeout, created_at,
				state, attempts, run_at, last_error, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8,
				$9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18
			) RETURNING seq`,
			j.ID.String(), string(j.Category), j.Recipient, j.Subject, j.TemplateID, data, j.UserID, j.AlertID,
			string(j.Priority), j.Score, j.MaxAttempts, j.Timeout.Nanoseconds(), j.CreatedAt,
			string(j.State), j.Attempts, j.RunAt, j.LastError, j.UpdatedAt,
		).Scan(&j.Seq)
		if err != nil {
			if isDuplicateKey(err) {
				return herald.ErrJobAlreadyExists
			}
			return fmt.Errorf("herald/postgres: enqueue job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("herald/postgres: commit enqueue: %w", err)
	}
	return nil
}

// ClaimJobs claims up to opts.Limit ready jobs. SKIP LOCKED lets
// concurrent claimers pass over rows another transaction is claiming.
func (s *Store) ClaimJobs(ctx context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	limit := opts.Limit
	if limit < 1 {
		limit = 1
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rows, err := s.pool.Query(ctx, `
		WITH ready AS (
			SELECT id FROM herald_jobs
			WHERE state IN ('pending', 'delayed') AND run_at <= $1
			ORDER BY score DESC, seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE herald_jobs j SET
			state = 'active',
			claim_token = gen_random_uuid()::text,
			worker_id = $3,
			lease_until = $4,
			heartbeat_at = $1,
			started_at = $1,
			updated_at = $1
		FROM ready
		WHERE j.id = ready.id
		RETURNING `+qualified("j"),
		now, limit, opts.WorkerID.String(), now.Add(opts.Lease),
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Score != jobs[k].Score {
			return jobs[i].Score > jobs[k].Score
		}
		return jobs[i].Seq < jobs[k].Seq
	})
	return jobs, nil
}

// HeartbeatJob extends the lease of an owned claim.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, token string, leaseUntil time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald_jobs SET lease_until = $3, heartbeat_at = NOW()
		WHERE id = $1 AND state = 'active' AND claim_token = $2 AND $2 <> ''`,
		jobID.String(), token, leaseUntil,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownerMiss(ctx, jobID)
	}
	return nil
}

// RequeueJob returns an owned job to delayed, or to pending on release.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID, token string, r job.Requeue) error {
	state := job.StateDelayed
	if r.Release {
		state = job.StatePending
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald_jobs SET
			state = $3, attempts = $4, last_error = $5, run_at = $6,
			claim_token = '', worker_id = '', lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND claim_token = $2 AND $2 <> ''`,
		jobID.String(), token, string(state), r.Attempts, r.LastError, r.RunAt,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownerMiss(ctx, jobID)
	}
	return nil
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald_jobs SET
			state = $3, attempts = $4, last_error = $5, finished_at = $6,
			claim_token = '', lease_until = NULL, updated_at = $6
		WHERE id = $1 AND state = 'active' AND claim_token = $2 AND $2 <> ''`,
		jobID.String(), token, string(r.State), r.Attempts, r.LastError, finished,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownerMiss(ctx, jobID)
	}
	return nil
}

// ownerMiss classifies a guarded update that matched no row.
func (s *Store) ownerMiss(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM herald_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("herald/postgres: check job: %w", err)
	}
	if !exists {
		return herald.ErrJobNotFound
	}
	return herald.ErrLeaseLost
}

// RecoverStalledJobs returns expired claims to pending.
func (s *Store) RecoverStalledJobs(ctx context.Context, now time.Time) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE herald_jobs SET
			state = 'pending', run_at = $1, last_error = 'lease expired',
			claim_token = '', worker_id = '', lease_until = NULL, updated_at = $1
		WHERE state = 'active' AND lease_until < $1
		RETURNING`+jobColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: recover stalled jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM herald_jobs WHERE id = $1`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrJobNotFound
		}
		return nil, fmt.Errorf("herald/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs ordered by Seq.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM herald_jobs
		WHERE ($1 = '' OR state = $1)
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3`,
		string(opts.State), limitArg(opts.Limit), opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountJobs returns per-state counts as of now.
func (s *Store) CountJobs(ctx context.Context, now time.Time) (job.Counts, error) {
	var c job.Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending' OR (state = 'delayed' AND run_at <= $1)),
			COUNT(*) FILTER (WHERE state = 'active'),
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed'),
			COUNT(*) FILTER (WHERE state = 'delayed' AND run_at > $1),
			COUNT(*) FILTER (WHERE state = 'skipped')
		FROM herald_jobs`,
		now,
	).Scan(&c.Waiting, &c.Active, &c.Completed, &c.Failed, &c.Delayed, &c.Skipped)
	if err != nil {
		return job.Counts{}, fmt.Errorf("herald/postgres: count jobs: %w", err)
	}
	return c, nil
}

// DrainJobs deletes waiting jobs, and every delayed one when includeDelayed.
func (s *Store) DrainJobs(ctx context.Context, now time.Time, includeDelayed bool) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM herald_jobs
		WHERE state = 'pending' OR (state = 'delayed' AND ($1 OR run_at <= $2))`,
		includeDelayed, now,
	)
	if err != nil {
		return 0, fmt.Errorf("herald/postgres: drain jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// qualified prefixes every job column with a table alias.
func qualified(alias string) string {
	return `
	` + alias + `.id, ` + alias + `.seq, ` + alias + `.category, ` + alias + `.recipient, ` +
		alias + `.subject, ` + alias + `.template_id, ` + alias + `.data, ` + alias + `.user_id, ` +
		alias + `.alert_id, ` + alias + `.priority, ` + alias + `.score, ` + alias + `.max_attempts, ` +
		alias + `.timeout, ` + alias + `.created_at, ` + alias + `.state, ` + alias + `.attempts, ` +
		alias + `.run_at, ` + alias + `.last_error, ` + alias + `.worker_id, ` + alias + `.claim_token, ` +
		alias + `.lease_until, ` + alias + `.heartbeat_at, ` + alias + `.started_at, ` +
		alias + `.finished_at, ` + alias + `.updated_at`
}

// scanJob scans a single job row selected with jobColumns.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                                job.Job
		idStr, category, priority, state string
		workerStr                        string
		data                             []byte
		timeoutNs                        int64
	)
	err := row.Scan(
		&idStr, &j.Seq, &category, &j.Recipient, &j.Subject, &j.TemplateID, &data, &j.UserID, &j.AlertID,
		&priority, &j.Score, &j.MaxAttempts, &timeoutNs, &j.CreatedAt,
		&state, &j.Attempts, &j.RunAt, &j.LastError, &workerStr, &j.ClaimToken,
		&j.LeaseUntil, &j.HeartbeatAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: parse job id %q: %w", idStr, err)
	}
	j.ID = parsedID
	j.Category = job.Category(category)
	j.Priority = job.Priority(priority)
	j.State = job.State(state)
	j.Timeout = time.Duration(timeoutNs)
	j.CreatedAt = j.CreatedAt.UTC()
	j.RunAt = j.RunAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.LeaseUntil = utcPtr(j.LeaseUntil)
	j.HeartbeatAt = utcPtr(j.HeartbeatAt)
	j.StartedAt = utcPtr(j.StartedAt)
	j.FinishedAt = utcPtr(j.FinishedAt)

	if workerStr != "" {
		if parsedWorker, workerErr := id.Parse(workerStr); workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}
	if len(data) > 0 {
		p, err := job.DecodePayload(j.Category, data)
		if err != nil {
			return nil, err
		}
		j.Data = p
	}
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("herald/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("herald/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
