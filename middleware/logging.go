package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/herald/job"
)

// Logging returns middleware that logs each delivery attempt.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Debug("delivery attempt started",
			slog.String("job_id", j.ID.String()),
			slog.String("category", string(j.Category)),
			slog.Int("attempt", j.Attempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("delivery attempt failed",
				slog.String("job_id", j.ID.String()),
				slog.String("category", string(j.Category)),
				slog.Int("attempt", j.Attempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}
		logger.Info("delivery attempt succeeded",
			slog.String("job_id", j.ID.String()),
			slog.String("category", string(j.Category)),
			slog.Int("attempt", j.Attempts),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}
