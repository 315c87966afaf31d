package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
)

// Pool runs a fixed number of goroutines that claim ready jobs and hand
// them to the Executor. A heartbeat goroutine keeps leases of in-flight
// jobs alive and a reaper returns jobs with expired leases to pending.
type Pool struct {
	store        job.Store
	executor     *Executor
	extensions   *ext.Registry
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger
	now          func() time.Time

	lease              time.Duration
	heartbeatInterval  time.Duration
	staleCheckInterval time.Duration

	paused atomic.Bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	active   map[string]*claim
	activeMu sync.Mutex
}

type claim struct {
	jobID  id.JobID
	token  string
	cancel context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle worker waits before claiming again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLease sets how long a claim stays valid without a heartbeat.
func WithLease(d time.Duration) PoolOption {
	return func(p *Pool) { p.lease = d }
}

// WithHeartbeatInterval sets how often leases of in-flight jobs are
// extended. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleCheckInterval sets how often expired leases are recovered. Zero
// disables recovery in this pool.
func WithStaleCheckInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleCheckInterval = d }
}

// WithPoolClock replaces time.Now for claim and lease timestamps.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:              store,
		executor:           executor,
		extensions:         extensions,
		concurrency:        5,
		pollInterval:       time.Second,
		workerID:           id.NewWorkerID(),
		logger:             logger,
		now:                time.Now,
		lease:              30 * time.Second,
		heartbeatInterval:  10 * time.Second,
		staleCheckInterval: 15 * time.Second,
		active:             make(map[string]*claim),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.extensions == nil {
		p.extensions = ext.NewRegistry(p.logger)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stop := p.stopCh

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("lease", p.lease),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop(stop)
	}
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.tick(stop, p.heartbeatInterval, p.sendHeartbeats)
	}
	if p.staleCheckInterval > 0 {
		p.wg.Add(1)
		go p.tick(stop, p.staleCheckInterval, p.recoverStalled)
	}
	return nil
}

// Stop stops claiming and waits for in-flight jobs. When ctx ends first,
// in-flight jobs are cancelled and Stop waits for them to unwind.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActive()
		<-done
	}
	return nil
}

// Pause stops new claims. Jobs already claimed run to completion.
func (p *Pool) Pause() {
	if !p.paused.Swap(true) {
		p.logger.Info("worker pool paused", slog.String("worker_id", p.workerID.String()))
	}
}

// Resume restarts claiming after Pause.
func (p *Pool) Resume() {
	if p.paused.Swap(false) {
		p.logger.Info("worker pool resumed", slog.String("worker_id", p.workerID.String()))
	}
}

// Paused reports whether claiming is paused.
func (p *Pool) Paused() bool { return p.paused.Load() }

// InFlight returns the number of jobs this pool is executing.
func (p *Pool) InFlight() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func (p *Pool) claimLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if p.paused.Load() {
			p.sleep(stop)
			continue
		}

		jobs, err := p.store.ClaimJobs(context.Background(), job.ClaimOpts{
			Limit:    1,
			WorkerID: p.workerID,
			Now:      p.now().UTC(),
			Lease:    p.lease,
		})
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep(stop)
			continue
		}
		if len(jobs) == 0 {
			p.sleep(stop)
			continue
		}

		for _, j := range jobs {
			p.run(j)
		}
	}
}

func (p *Pool) run(j *job.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := j.ID.String()
	p.activeMu.Lock()
	p.active[key] = &claim{jobID: j.ID, token: j.ClaimToken, cancel: cancel}
	p.activeMu.Unlock()

	if err := p.executor.Execute(ctx, j); err != nil {
		p.logger.Debug("job attempt ended with error",
			slog.String("job_id", key),
			slog.String("error", err.Error()),
		)
	}

	p.activeMu.Lock()
	delete(p.active, key)
	p.activeMu.Unlock()
}

func (p *Pool) tick(stop <-chan struct{}, every time.Duration, fn func()) {
	defer p.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	claims := make([]claim, 0, len(p.active))
	for _, c := range p.active {
		claims = append(claims, *c)
	}
	p.activeMu.Unlock()

	leaseUntil := p.now().Add(p.lease).UTC()
	for _, c := range claims {
		err := p.store.HeartbeatJob(context.Background(), c.jobID, c.token, leaseUntil)
		switch {
		case errors.Is(err, herald.ErrLeaseLost):
			p.logger.Warn("heartbeat: lease lost, job may be delivered twice",
				slog.String("job_id", c.jobID.String()),
			)
		case err != nil:
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", c.jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) recoverStalled() {
	ctx := context.Background()
	recovered, err := p.store.RecoverStalledJobs(ctx, p.now().UTC())
	if err != nil {
		p.logger.Error("recover stalled jobs error", slog.String("error", err.Error()))
		return
	}
	for _, j := range recovered {
		p.logger.Info("recovered stalled job",
			slog.String("job_id", j.ID.String()),
			slog.Int("attempts", j.Attempts),
		)
		p.extensions.EmitJobRecovered(ctx, j)
	}
}

func (p *Pool) sleep(stop <-chan struct{}) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for key, c := range p.active {
		p.logger.Warn("cancelling active job", slog.String("job_id", key))
		c.cancel()
	}
}
