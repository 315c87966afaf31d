// Command heraldd runs the herald delivery engine behind its HTTP API.
//
// Configuration comes from an optional YAML file (HERALD_CONFIG) and
// HERALD_* environment variables. See loadDaemonConfig for process wiring
// and herald.LoadConfig for engine tuning.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xraph/herald"
	"github.com/xraph/herald/api"
	audithook "github.com/xraph/herald/audit_hook"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/engine"
	kafkahook "github.com/xraph/herald/kafka_hook"
	"github.com/xraph/herald/provider"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/store/postgres"
	"github.com/xraph/herald/store/redis"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With("service", "heraldd")

	if err := run(context.Background(), logger); err != nil {
		logger.Error("heraldd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dcfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	cfg, err := herald.LoadConfig(dcfg.ConfigPath)
	if err != nil {
		return err
	}

	st, opts, err := openStore(ctx, dcfg, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var closers []io.Closer
	opts = append(opts, engine.WithStore(st), engine.WithLogger(logger))

	if dcfg.WebhookURL != "" {
		var wopts []provider.WebhookOption
		if dcfg.WebhookToken != "" {
			wopts = append(wopts, provider.WithBearerToken(dcfg.WebhookToken))
		}
		opts = append(opts, engine.WithProvider(provider.NewWebhook(dcfg.WebhookURL, wopts...)))
	}

	if len(dcfg.KafkaBrokers) > 0 {
		w := kafkahook.NewWriter(dcfg.KafkaBrokers, dcfg.KafkaTopic)
		closers = append(closers, w)
		opts = append(opts, engine.WithExtension(kafkahook.New(w)))
		logger.Info("kafka events enabled", slog.String("topic", dcfg.KafkaTopic))
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("close failed", slog.String("error", err.Error()))
			}
		}
	}()

	if dcfg.AuditLog {
		auditLogger := logger.With("component", "audit")
		opts = append(opts, engine.WithExtension(
			audithook.New(audithook.LogRecorder(auditLogger), audithook.WithLogger(logger))))
	}

	if dcfg.BillingURL != "" {
		var copts []dunning.ChargerOption
		if dcfg.BillingToken != "" {
			copts = append(copts, dunning.WithChargerToken(dcfg.BillingToken))
		}
		opts = append(opts, engine.WithCharger(dunning.NewWebhookCharger(dcfg.BillingURL, copts...)))
	}

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}

	var sched *dunning.Scheduler
	if svc := eng.Dunning(); svc != nil {
		if sched, err = dunning.NewScheduler(svc, dcfg.DunningSchedule, logger); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              dcfg.HTTPAddr,
		Handler:           api.New(eng, api.WithLogger(logger), api.WithClientRate(rate.Limit(dcfg.ClientRate), dcfg.ClientBurst)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), dcfg.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		engErr := eng.Stop(shutdownCtx)
		return errors.Join(httpErr, engErr)
	})

	return g.Wait()
}

// openStore connects the configured backend. The redis backend also backs
// the submit and dispatch limiters so every replica shares one budget.
func openStore(ctx context.Context, dcfg daemonConfig, cfg herald.Config, logger *slog.Logger) (store.Store, []engine.Option, error) {
	switch dcfg.Backend {
	case "redis":
		s, err := redis.Open(dcfg.RedisURL, redis.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		var opts []engine.Option
		if l := cfg.SubmitRateLimit; l.Enabled() {
			opts = append(opts, engine.WithSubmitLimiter(
				ratelimit.NewRedisFixedWindow(s.Client(), "herald:rl:submit:", l.Limit, l.Window)))
		}
		if l := cfg.DispatchRateLimit; l.Enabled() {
			opts = append(opts, engine.WithDispatchLimiter(
				ratelimit.NewRedisFixedWindow(s.Client(), "herald:rl:dispatch:", l.Limit, l.Window)))
		}
		logger.Info("store opened", slog.String("backend", "redis"))
		return s, opts, nil

	case "postgres":
		s, err := postgres.New(ctx, dcfg.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		logger.Info("store opened", slog.String("backend", "postgres"))
		return s, nil, nil

	default:
		logger.Warn("using in-memory store; jobs are lost on restart")
		return memory.New(), nil, nil
	}
}
