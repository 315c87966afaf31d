package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/herald"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/engine"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
	"github.com/xraph/herald/provider"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/submit"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func testConfig() herald.Config {
	cfg := herald.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.LeaseDuration = 5 * time.Second
	cfg.HeartbeatInterval = time.Second
	cfg.StaleCheckInterval = time.Second
	cfg.SubmitRateLimit = herald.RateLimit{}
	cfg.DispatchRateLimit = herald.RateLimit{}
	return cfg
}

// recordingProvider fails the first len(errs) sends with errs, in order,
// and accepts everything after.
type recordingProvider struct {
	mu   sync.Mutex
	errs []error
	sent []provider.Message
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Send(_ context.Context, m provider.Message) (provider.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, m)
	if n := len(p.sent); n <= len(p.errs) {
		return provider.Receipt{}, p.errs[n-1]
	}
	return provider.Receipt{MessageID: "msg-" + m.JobID.String(), AcceptedAt: time.Now()}, nil
}

func (p *recordingProvider) calls() []provider.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Message(nil), p.sent...)
}

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	eng, err := engine.New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func start(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func verification(recipient string) submit.Request {
	return submit.Request{
		Category:   job.CategoryVerification,
		Recipient:  recipient,
		Subject:    "Confirm your email",
		TemplateID: "verification",
		Data:       &job.VerificationData{VerifyURL: "https://jobs.example.com/verify?t=abc"},
	}
}

// waitOutcome polls until the job has a terminal record.
func waitOutcome(t *testing.T, eng *engine.Engine, jobID id.JobID) *outcome.Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		rec, err := eng.Outcome(context.Background(), jobID)
		if err == nil {
			return rec
		}
		if !errors.Is(err, herald.ErrOutcomeNotFound) {
			t.Fatalf("Outcome: %v", err)
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for outcome of %s", jobID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ──────────────────────────────────────────────────
// End-to-end delivery
// ──────────────────────────────────────────────────

func TestEngine_SubmitDeliverRecord(t *testing.T) {
	s := memory.New()
	prov := &recordingProvider{}
	eng := newEngine(t, engine.WithStore(s), engine.WithProvider(prov))
	start(t, eng)

	jobID, err := eng.Submit(context.Background(), verification("Kim@Example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := waitOutcome(t, eng, jobID)
	if rec.Status != outcome.StatusSent || rec.Attempts != 1 {
		t.Errorf("outcome = %+v, want sent after 1 attempt", rec)
	}
	if rec.ProviderMessageID != "msg-"+jobID.String() {
		t.Errorf("provider message id = %q", rec.ProviderMessageID)
	}

	calls := prov.calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	msg := calls[0]
	if msg.Recipient != "kim@example.com" || msg.IdempotencyKey != jobID.String() {
		t.Errorf("message = %+v", msg)
	}
	if !strings.Contains(msg.Body, "https://jobs.example.com/verify?t=abc") {
		t.Errorf("body = %q, want the verify link", msg.Body)
	}

	j, err := eng.Job(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if j.State != job.StateCompleted || j.FinishedAt == nil {
		t.Errorf("job state = %s finished = %v", j.State, j.FinishedAt)
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	prov := &recordingProvider{errs: []error{&provider.StatusError{Code: 503, Body: "busy"}}}
	eng := newEngine(t, engine.WithProvider(prov))
	start(t, eng)

	jobID, err := eng.Submit(context.Background(), verification("kim@example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := waitOutcome(t, eng, jobID)
	if rec.Status != outcome.StatusSent || rec.Attempts != 2 {
		t.Errorf("outcome = %+v, want sent after 2 attempts", rec)
	}
	if n := len(prov.calls()); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
}

func TestEngine_ExhaustedAttemptsEscalate(t *testing.T) {
	boom := errors.New("connection reset")
	prov := &recordingProvider{errs: []error{boom, boom, boom, boom}}

	var escalated atomic.Int32
	eng := newEngine(t,
		engine.WithProvider(prov),
		engine.WithEscalation(func(_ context.Context, j *job.Job, cause error) error {
			escalated.Add(1)
			return nil
		}),
	)
	start(t, eng)

	req := verification("kim@example.com")
	req.MaxAttempts = 2
	jobID, err := eng.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := waitOutcome(t, eng, jobID)
	if rec.Status != outcome.StatusFailed || rec.Attempts != 2 || rec.Error == "" {
		t.Errorf("outcome = %+v, want failed after 2 attempts", rec)
	}
	if got := escalated.Load(); got != 1 {
		t.Errorf("escalations = %d, want 1", got)
	}
}

func TestEngine_PermanentFailureNotRetried(t *testing.T) {
	prov := &recordingProvider{errs: []error{&provider.RejectedError{Recipient: "kim@example.com", Reason: "mailbox unknown"}}}
	eng := newEngine(t, engine.WithProvider(prov))
	start(t, eng)

	jobID, err := eng.Submit(context.Background(), verification("kim@example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := waitOutcome(t, eng, jobID)
	if rec.Status != outcome.StatusFailed || rec.Attempts != 1 {
		t.Errorf("outcome = %+v, want failed after 1 attempt", rec)
	}
}

func TestEngine_OptedOutRecipientSkipped(t *testing.T) {
	prov := &recordingProvider{}
	eng := newEngine(t, engine.WithProvider(prov))
	ctx := context.Background()

	if _, err := eng.OptOut(ctx, "kim@example.com", job.CategoryVerification); err != nil {
		t.Fatalf("OptOut: %v", err)
	}
	rec, err := eng.Compliance(ctx, "KIM@example.com")
	if err != nil {
		t.Fatalf("Compliance: %v", err)
	}
	if !rec.Blocks(job.CategoryVerification) || rec.Blocks(job.CategoryAlert) {
		t.Errorf("compliance record = %+v", rec)
	}

	jobID, err := eng.Submit(ctx, verification("kim@example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	start(t, eng)

	out := waitOutcome(t, eng, jobID)
	if out.Status != outcome.StatusSkipped {
		t.Errorf("status = %s, want skipped", out.Status)
	}
	if n := len(prov.calls()); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}

	if _, err := eng.OptIn(ctx, "kim@example.com"); err != nil {
		t.Fatalf("OptIn: %v", err)
	}
	again, err := eng.Submit(ctx, verification("kim@example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out := waitOutcome(t, eng, again); out.Status != outcome.StatusSent {
		t.Errorf("status after opt-in = %s, want sent", out.Status)
	}
}

// ──────────────────────────────────────────────────
// Queue control
// ──────────────────────────────────────────────────

func TestEngine_PauseStatsDrain(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	eng.Pause()
	for range 3 {
		if _, err := eng.Submit(ctx, verification("kim@example.com")); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	delayed := verification("kim@example.com")
	delayed.Delay = time.Hour
	if _, err := eng.Submit(ctx, delayed); err != nil {
		t.Fatalf("Submit delayed: %v", err)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !stats.Paused || stats.Waiting != 3 || stats.Delayed != 1 {
		t.Errorf("stats = %+v, want paused with 3 waiting and 1 delayed", stats)
	}

	n, err := eng.Drain(ctx, false)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 3 {
		t.Errorf("drained = %d, want 3", n)
	}

	eng.Resume()
	stats, _ = eng.Stats(ctx)
	if stats.Paused || stats.Waiting != 0 || stats.Delayed != 1 {
		t.Errorf("stats after drain = %+v", stats)
	}
}

func TestEngine_SubmitBulkPartialSuccess(t *testing.T) {
	eng := newEngine(t)
	bad := verification("not-an-address")

	results, err := eng.SubmitBulk(context.Background(), []submit.Request{
		verification("a@example.com"), bad, verification("b@example.com"),
	})
	if err != nil {
		t.Fatalf("SubmitBulk: %v", err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("valid elements failed: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, herald.ErrInvalidRecipient) {
		t.Errorf("invalid element err = %v", results[1].Err)
	}
}

func TestEngine_SubmitRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.SubmitRateLimit = herald.RateLimit{Limit: 1, Window: time.Minute}
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := eng.Submit(ctx, verification("kim@example.com")); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err = eng.Submit(ctx, verification("kim@example.com"))
	var rle *herald.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
}

// ──────────────────────────────────────────────────
// Extensions and instrumentation
// ──────────────────────────────────────────────────

type lifecycleExt struct {
	outcomes atomic.Int32
	shutdown atomic.Bool
}

func (*lifecycleExt) Name() string { return "lifecycle" }

func (e *lifecycleExt) OnOutcomeRecorded(context.Context, *outcome.Record) error {
	e.outcomes.Add(1)
	return nil
}

func (e *lifecycleExt) OnShutdown(context.Context) error {
	e.shutdown.Store(true)
	return nil
}

func TestEngine_ExtensionLifecycle(t *testing.T) {
	x := &lifecycleExt{}
	eng := newEngine(t, engine.WithExtension(x), engine.WithProvider(&recordingProvider{}))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	jobID, err := eng.Submit(context.Background(), verification("kim@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	waitOutcome(t, eng, jobID)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := x.outcomes.Load(); got != 1 {
		t.Errorf("OnOutcomeRecorded calls = %d, want 1", got)
	}
	if !x.shutdown.Load() {
		t.Error("OnShutdown not called")
	}
	if n := len(eng.Extensions().Extensions()); n != 2 {
		t.Errorf("extensions = %d, want observability plus lifecycle", n)
	}
}

func TestEngine_CustomTelemetryProviders(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	eng := newEngine(t,
		engine.WithProvider(&recordingProvider{}),
		engine.WithMeterProvider(mp),
		engine.WithTracerProvider(tp),
	)
	start(t, eng)

	jobID, err := eng.Submit(context.Background(), verification("kim@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	waitOutcome(t, eng, jobID)

	if len(sr.Ended()) == 0 {
		t.Error("no spans recorded on the custom tracer provider")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{"herald.job.submitted", "herald.job.sent", "herald.delivery.attempts"} {
		if !names[want] {
			t.Errorf("metric %s not recorded; got %v", want, names)
		}
	}
}

// ──────────────────────────────────────────────────
// Dunning
// ──────────────────────────────────────────────────

type okCharger struct{}

func (okCharger) Charge(context.Context, *dunning.Invoice) (dunning.Charge, error) {
	return dunning.Charge{ChargeID: "ch_1"}, nil
}

func TestEngine_DunningNoticesDelivered(t *testing.T) {
	if eng := newEngine(t); eng.Dunning() != nil {
		t.Fatal("dunning enabled without a charger")
	}

	prov := &recordingProvider{}
	eng := newEngine(t, engine.WithProvider(prov), engine.WithCharger(okCharger{}))
	ctx := context.Background()

	inv := &dunning.Invoice{CustomerID: "cus_7", Email: "billing@acme.example", AmountCents: 4900, Currency: "USD"}
	if err := eng.Dunning().Open(ctx, inv); err != nil {
		t.Fatalf("Open: %v", err)
	}
	res, err := eng.Dunning().Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Paid != 1 {
		t.Fatalf("sweep = %+v, want 1 paid", res)
	}

	start(t, eng)
	deadline := time.After(5 * time.Second)
	for {
		recs, err := eng.Outcomes(ctx, outcome.ListOpts{Recipient: "billing@acme.example"})
		if err != nil {
			t.Fatalf("Outcomes: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].Status != outcome.StatusSent || recs[0].Category != job.CategoryTransactional {
				t.Errorf("receipt outcome = %+v", recs[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the receipt")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if body := prov.calls()[0].Body; !strings.Contains(body, "amount: 49.00 USD") {
		t.Errorf("receipt body = %q, want the amount", body)
	}
}

// ──────────────────────────────────────────────────
// Construction errors
// ──────────────────────────────────────────────────

func TestEngine_NewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 0
	if _, err := engine.New(cfg); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

func TestEngine_NewPartialStores(t *testing.T) {
	_, err := engine.New(testConfig(), engine.WithJobStore(memory.New()))
	if !errors.Is(err, herald.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestEngine_NewBadForbiddenPattern(t *testing.T) {
	cfg := testConfig()
	cfg.ForbiddenPatterns = []string{"("}
	if _, err := engine.New(cfg); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestStopWithoutStart(t *testing.T) {
	eng := newEngine(t, engine.WithProvider(&recordingProvider{}))
	if err := eng.Stop(context.Background()); !errors.Is(err, herald.ErrNotStarted) {
		t.Fatalf("Stop = %v, want ErrNotStarted", err)
	}

	start(t, eng)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

}
