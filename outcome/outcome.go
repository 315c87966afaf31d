// Package outcome is the append-only log of terminal job transitions.
// Exactly one record exists per job that reached completed, failed or
// skipped; stores refuse a second one with herald.ErrOutcomeExists.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
)

// Status is the delivery result recorded for a job.
type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StatusFor maps a terminal job state to its outcome status.
func StatusFor(s job.State) (Status, bool) {
	switch s {
	case job.StateCompleted:
		return StatusSent, true
	case job.StateFailed:
		return StatusFailed, true
	case job.StateSkipped:
		return StatusSkipped, true
	}
	return "", false
}

// Record is one terminal transition.
type Record struct {
	ID                id.OutcomeID  `json:"id"`
	JobID             id.JobID      `json:"job_id"`
	Recipient         string        `json:"recipient"`
	Category          job.Category  `json:"category"`
	Status            Status        `json:"status"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Attempts          int           `json:"attempts"`
	Error             string        `json:"error,omitempty"`
	Duration          time.Duration `json:"duration"`
	RecordedAt        time.Time     `json:"recorded_at"`
}

// ListOpts controls pagination and filtering for outcome queries.
type ListOpts struct {
	// Status filters by status. Empty means all.
	Status Status
	// Recipient filters by normalized recipient. Empty means all.
	Recipient string
	Limit     int
	Offset    int
}

// Store persists outcome records. Implementations never update or delete.
type Store interface {
	// AppendOutcome stores r. Returns herald.ErrOutcomeExists when a record
	// for r.JobID already exists.
	AppendOutcome(ctx context.Context, r *Record) error
	// GetOutcome returns the record for a job or herald.ErrOutcomeNotFound.
	GetOutcome(ctx context.Context, jobID id.JobID) (*Record, error)
	// ListOutcomes returns records newest first.
	ListOutcomes(ctx context.Context, opts ListOpts) ([]*Record, error)
}

// Entry is what the worker knows at a terminal transition.
type Entry struct {
	Job               *job.Job
	Status            Status
	ProviderMessageID string
	Attempts          int
	Err               error
	Duration          time.Duration
}

// Logger writes outcome records.
type Logger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates a Logger over store.
func NewLogger(store Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, logger: logger, now: time.Now}
}

// SetClock replaces time.Now for RecordedAt stamps.
func (l *Logger) SetClock(now func() time.Time) { l.now = now }

// Log appends the record for e. A duplicate is reported as
// herald.ErrOutcomeExists and leaves the first record untouched.
func (l *Logger) Log(ctx context.Context, e Entry) (*Record, error) {
	r := &Record{
		ID:                id.NewOutcomeID(),
		JobID:             e.Job.ID,
		Recipient:         e.Job.Recipient,
		Category:          e.Job.Category,
		Status:            e.Status,
		ProviderMessageID: e.ProviderMessageID,
		Attempts:          e.Attempts,
		Duration:          e.Duration,
		RecordedAt:        l.now().UTC(),
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}

	if err := l.store.AppendOutcome(ctx, r); err != nil {
		if errors.Is(err, herald.ErrOutcomeExists) {
			l.logger.Warn("outcome already recorded",
				slog.String("job_id", r.JobID.String()),
				slog.String("status", string(r.Status)),
			)
			return nil, err
		}
		return nil, fmt.Errorf("outcome: append %s: %w", r.JobID, err)
	}
	return r, nil
}

// Get returns the outcome of a job.
func (l *Logger) Get(ctx context.Context, jobID id.JobID) (*Record, error) {
	return l.store.GetOutcome(ctx, jobID)
}

// List returns outcomes newest first.
func (l *Logger) List(ctx context.Context, opts ListOpts) ([]*Record, error) {
	return l.store.ListOutcomes(ctx, opts)
}
