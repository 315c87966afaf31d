// Package monitor gives operators visibility into and control over the
// queue: per-state counts, pause and resume of claiming, and draining of
// waiting jobs. It reads the queue store and never holds job locks.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/herald/job"
)

// Controller pauses and resumes claiming. *worker.Pool implements it.
type Controller interface {
	Pause()
	Resume()
	Paused() bool
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	job.Counts
	Paused bool      `json:"paused"`
	At     time.Time `json:"at"`
}

// Monitor reports and controls queue state.
type Monitor struct {
	store  job.Store
	ctl    Controller
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Monitor over store. ctl may be nil when no pool runs in
// this process; Pause and Resume then do nothing.
func New(store job.Store, ctl Controller, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: store, ctl: ctl, logger: logger, now: time.Now}
}

// SetClock replaces time.Now.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Stats returns per-state counts.
func (m *Monitor) Stats(ctx context.Context) (Stats, error) {
	now := m.now().UTC()
	counts, err := m.store.CountJobs(ctx, now)
	if err != nil {
		return Stats{}, fmt.Errorf("monitor: count jobs: %w", err)
	}
	return Stats{Counts: counts, Paused: m.Paused(), At: now}, nil
}

// Pause stops new claims; in-flight jobs finish.
func (m *Monitor) Pause() {
	if m.ctl != nil {
		m.ctl.Pause()
	}
}

// Resume restarts claims.
func (m *Monitor) Resume() {
	if m.ctl != nil {
		m.ctl.Resume()
	}
}

// Paused reports whether claiming is paused.
func (m *Monitor) Paused() bool {
	return m.ctl != nil && m.ctl.Paused()
}

// Drain discards every job Stats reports as waiting, which includes
// retries already due, and the remaining delayed jobs when includeDelayed
// is set. Active jobs are untouched. Discarded jobs produce no outcome
// record.
func (m *Monitor) Drain(ctx context.Context, includeDelayed bool) (int64, error) {
	n, err := m.store.DrainJobs(ctx, m.now().UTC(), includeDelayed)
	if err != nil {
		return 0, fmt.Errorf("monitor: drain: %w", err)
	}
	m.logger.Warn("queue drained",
		slog.Int64("removed", n),
		slog.Bool("include_delayed", includeDelayed),
	)
	return n, nil
}
