package dunning

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs Service.Sweep on a cron schedule.
type Scheduler struct {
	svc    *Service
	spec   string
	logger *slog.Logger
}

// NewScheduler validates spec (standard five-field cron, or descriptors
// such as "@hourly") and returns a Scheduler.
func NewScheduler(svc *Service, spec string, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("dunning: invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{svc: svc, spec: spec, logger: logger}, nil
}

// Run sweeps on schedule until ctx ends, then waits for a running sweep to
// finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("dunning: schedule: %w", err)
	}
	c.Start()
	s.logger.Info("dunning scheduler started", slog.String("schedule", s.spec))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("dunning scheduler stopped")
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	res, err := s.svc.Sweep(ctx)
	if err != nil {
		s.logger.Error("dunning sweep failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("dunning sweep finished",
		slog.Int("paid", res.Paid),
		slog.Int("retrying", res.Retrying),
		slog.Int("delinquent", res.Delinquent),
		slog.Int("errors", res.Errors),
	)
}
