package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	mw "github.com/xraph/herald/middleware"
	"github.com/xraph/herald/monitor"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/outcome"
	"github.com/xraph/herald/provider"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/render"
	"github.com/xraph/herald/retry"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/submit"
	"github.com/xraph/herald/worker"
)

const instrumentationName = "github.com/xraph/herald"

// Engine owns every subsystem of one herald process.
type Engine struct {
	cfg        herald.Config
	logger     *slog.Logger
	extensions *ext.Registry

	jobStore        job.Store
	complianceStore compliance.Store
	outcomeStore    outcome.Store
	invoiceStore    dunning.Store

	provider        provider.Provider
	renderer        render.Renderer
	submitLimiter   ratelimit.Limiter
	dispatchLimiter ratelimit.Limiter
	escalate        retry.EscalateFunc[*job.Job]
	exts            []ext.Extension
	mws             []mw.Middleware

	charger     dunning.Charger
	dunningOpts []dunning.Option

	gate       *submit.Gate
	compliance *compliance.Gate
	outcomes   *outcome.Logger
	pool       *worker.Pool
	monitor    *monitor.Monitor
	dunning    *dunning.Service
	running    atomic.Bool

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore uses s for jobs, compliance records, outcomes and invoices.
func WithStore(s store.Store) Option {
	return func(eng *Engine) {
		eng.jobStore = s
		eng.complianceStore = s
		eng.outcomeStore = s
		eng.invoiceStore = s
	}
}

// WithJobStore overrides the queue store.
func WithJobStore(s job.Store) Option {
	return func(eng *Engine) { eng.jobStore = s }
}

// WithComplianceStore overrides where opt-out records live.
func WithComplianceStore(s compliance.Store) Option {
	return func(eng *Engine) { eng.complianceStore = s }
}

// WithOutcomeStore overrides where outcome records are appended.
func WithOutcomeStore(s outcome.Store) Option {
	return func(eng *Engine) { eng.outcomeStore = s }
}

// WithInvoiceStore overrides where dunning invoices live.
func WithInvoiceStore(s dunning.Store) Option {
	return func(eng *Engine) { eng.invoiceStore = s }
}

// WithProvider sets the delivery provider. Defaults to provider.Log.
func WithProvider(p provider.Provider) Option {
	return func(eng *Engine) { eng.provider = p }
}

// WithRenderer sets the body renderer. Defaults to render.NewTemplates().
func WithRenderer(r render.Renderer) Option {
	return func(eng *Engine) { eng.renderer = r }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.exts = append(eng.exts, e) }
}

// WithMiddleware adds middleware after the default stack.
func WithMiddleware(m ...mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m...) }
}

// WithSubmitLimiter replaces the in-memory submission limiter built from
// Config.SubmitRateLimit. Use a ratelimit.RedisFixedWindow to share the
// budget across instances.
func WithSubmitLimiter(l ratelimit.Limiter) Option {
	return func(eng *Engine) { eng.submitLimiter = l }
}

// WithDispatchLimiter replaces the in-memory limiter behind the dispatch
// throttle built from Config.DispatchRateLimit.
func WithDispatchLimiter(l ratelimit.Limiter) Option {
	return func(eng *Engine) { eng.dispatchLimiter = l }
}

// WithEscalation runs fn when a job fails terminally.
func WithEscalation(fn retry.EscalateFunc[*job.Job]) Option {
	return func(eng *Engine) { eng.escalate = fn }
}

// WithCharger enables billing dunning. Dunning notices are submitted
// through the engine's own gate.
func WithCharger(c dunning.Charger, opts ...dunning.Option) Option {
	return func(eng *Engine) {
		eng.charger = c
		eng.dunningOpts = append(eng.dunningOpts, opts...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// Both the metrics middleware and the observability extension use it.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New validates cfg and wires the engine. Without a store option every
// subsystem runs on one in-memory store.
func New(cfg herald.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.logger == nil {
		eng.logger = slog.Default()
	}
	logger := eng.logger

	if eng.jobStore == nil && eng.complianceStore == nil && eng.outcomeStore == nil && eng.invoiceStore == nil {
		s := memory.New()
		eng.jobStore, eng.complianceStore, eng.outcomeStore, eng.invoiceStore = s, s, s, s
	}
	if eng.jobStore == nil || eng.complianceStore == nil || eng.outcomeStore == nil {
		return nil, herald.ErrNoStore
	}
	if eng.charger != nil && eng.invoiceStore == nil {
		return nil, fmt.Errorf("%w: dunning needs an invoice store", herald.ErrNoStore)
	}
	if eng.provider == nil {
		eng.provider = provider.Log{Logger: logger}
	}
	if eng.renderer == nil {
		eng.renderer = render.NewTemplates()
	}

	eng.extensions = ext.NewRegistry(logger)
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	eng.compliance = compliance.NewGate(eng.complianceStore, compliance.WithLogger(logger))
	eng.outcomes = outcome.NewLogger(eng.outcomeStore, logger)

	gateOpts := []submit.Option{
		submit.WithCompliance(eng.compliance),
		submit.WithExtensions(eng.extensions),
		submit.WithLogger(logger),
	}
	if eng.submitLimiter != nil {
		gateOpts = append(gateOpts, submit.WithLimiter(eng.submitLimiter))
	}
	gate, err := submit.NewGate(eng.jobStore, cfg, gateOpts...)
	if err != nil {
		return nil, err
	}
	eng.gate = gate

	execOpts := []worker.ExecutorOption{
		worker.WithExtensions(eng.extensions),
		worker.WithMiddleware(eng.middleware()...),
		worker.WithLogger(logger),
	}
	if t := eng.throttle(); t != nil {
		execOpts = append(execOpts, worker.WithThrottle(t))
	}
	policy := retry.New(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax, eng.escalate)
	executor := worker.NewExecutor(
		eng.jobStore,
		eng.compliance,
		eng.renderer,
		eng.provider,
		eng.outcomes,
		policy,
		execOpts...,
	)

	eng.pool = worker.NewPool(eng.jobStore, executor, eng.extensions, logger,
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithLease(cfg.LeaseDuration),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
		worker.WithStaleCheckInterval(cfg.StaleCheckInterval),
	)
	eng.monitor = monitor.New(eng.jobStore, eng.pool, logger)

	if eng.charger != nil {
		dopts := append([]dunning.Option{dunning.WithLogger(logger)}, eng.dunningOpts...)
		eng.dunning = dunning.NewService(eng.invoiceStore, eng.charger, eng, dopts...)
	}

	return eng, nil
}

// middleware builds the default stack, recover → tracing → metrics →
// logging → timeout, followed by user middleware.
func (eng *Engine) middleware() []mw.Middleware {
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	all := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.cfg.JobTimeout),
	}
	return append(all, eng.mws...)
}

func (eng *Engine) throttle() *ratelimit.Throttle {
	l := eng.dispatchLimiter
	if l == nil {
		rl := eng.cfg.DispatchRateLimit
		if !rl.Enabled() {
			return nil
		}
		l = ratelimit.NewFixedWindow(rl.Limit, rl.Window)
	}
	return ratelimit.NewThrottle(l, "dispatch:"+eng.provider.Name())
}

// Start launches the worker pool. It returns immediately.
func (eng *Engine) Start(ctx context.Context) error {
	eng.logger.Info("herald engine starting",
		slog.String("provider", eng.provider.Name()),
		slog.Int("concurrency", eng.cfg.Concurrency),
	)
	if err := eng.pool.Start(ctx); err != nil {
		return err
	}
	eng.running.Store(true)
	return nil
}

// Stop stops claiming, waits for in-flight deliveries and notifies
// extensions. Without a deadline on ctx, Config.ShutdownTimeout applies.
// Stopping an engine that is not running returns herald.ErrNotStarted.
func (eng *Engine) Stop(ctx context.Context) error {
	if !eng.running.CompareAndSwap(true, false) {
		return herald.ErrNotStarted
	}
	if _, ok := ctx.Deadline(); !ok && eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := eng.pool.Stop(ctx)
	eng.extensions.EmitShutdown(context.WithoutCancel(ctx))
	eng.logger.Info("herald engine stopped")
	return err
}

// Submit validates, rate-limits and enqueues one notification.
func (eng *Engine) Submit(ctx context.Context, req submit.Request) (id.JobID, error) {
	return eng.gate.Submit(ctx, req)
}

// SubmitBulk submits each request independently.
func (eng *Engine) SubmitBulk(ctx context.Context, reqs []submit.Request) ([]submit.Result, error) {
	return eng.gate.SubmitBulk(ctx, reqs)
}

// Stats reports per-state queue counts and whether claiming is paused.
func (eng *Engine) Stats(ctx context.Context) (monitor.Stats, error) {
	return eng.monitor.Stats(ctx)
}

// Pause stops new claims in this process.
func (eng *Engine) Pause() { eng.monitor.Pause() }

// Resume restarts claiming after Pause.
func (eng *Engine) Resume() { eng.monitor.Resume() }

// Paused reports whether claiming is paused in this process.
func (eng *Engine) Paused() bool { return eng.monitor.Paused() }

// Drain removes waiting jobs, and delayed jobs too when includeDelayed.
func (eng *Engine) Drain(ctx context.Context, includeDelayed bool) (int64, error) {
	return eng.monitor.Drain(ctx, includeDelayed)
}

// OptOut blocks the given categories for recipient, or everything when
// none are given.
func (eng *Engine) OptOut(ctx context.Context, recipient string, cats ...job.Category) (*compliance.Record, error) {
	return eng.compliance.OptOut(ctx, recipient, cats...)
}

// OptIn lifts the given opt-outs, or all of them when none are given.
func (eng *Engine) OptIn(ctx context.Context, recipient string, cats ...job.Category) (*compliance.Record, error) {
	return eng.compliance.OptIn(ctx, recipient, cats...)
}

// Compliance returns the recipient's current opt-out record.
func (eng *Engine) Compliance(ctx context.Context, recipient string) (*compliance.Record, error) {
	return eng.compliance.Record(ctx, recipient)
}

// Job returns a job by id.
func (eng *Engine) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobStore.GetJob(ctx, jobID)
}

// Outcome returns the terminal record of a job.
func (eng *Engine) Outcome(ctx context.Context, jobID id.JobID) (*outcome.Record, error) {
	return eng.outcomes.Get(ctx, jobID)
}

// Outcomes lists terminal records newest first.
func (eng *Engine) Outcomes(ctx context.Context, opts outcome.ListOpts) ([]*outcome.Record, error) {
	return eng.outcomes.List(ctx, opts)
}

// Dunning returns the billing dunning service, or nil when no charger
// was configured.
func (eng *Engine) Dunning() *dunning.Service { return eng.dunning }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// WorkerID returns the id this process claims jobs under.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }

// Config returns the configuration the engine was built with.
func (eng *Engine) Config() herald.Config { return eng.cfg }
