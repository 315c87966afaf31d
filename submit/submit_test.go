package submit_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/submit"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newGate(t *testing.T, opts ...submit.Option) (*submit.Gate, *memory.Store) {
	t.Helper()
	s := memory.New()
	opts = append([]submit.Option{submit.WithClock(func() time.Time { return t0 })}, opts...)
	g, err := submit.NewGate(s, herald.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g, s
}

func validRequest() submit.Request {
	return submit.Request{
		Category:   job.CategoryVerification,
		Recipient:  "Kim@Example.com",
		Subject:    "Confirm your email",
		TemplateID: "verification",
		Data:       &job.VerificationData{VerifyURL: "https://jobs.example.com/verify?t=abc"},
	}
}

func TestSubmit_EnqueuesPendingJob(t *testing.T) {
	g, s := newGate(t)
	ctx := context.Background()

	jobID, err := g.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.HasPrefix(jobID.String(), "job_") {
		t.Errorf("job id = %q", jobID)
	}

	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != job.StatePending || !j.RunAt.Equal(t0) {
		t.Errorf("state = %s run_at = %v, want pending at %v", j.State, j.RunAt, t0)
	}
	if j.Recipient != "kim@example.com" {
		t.Errorf("recipient = %q, want normalized", j.Recipient)
	}
	if j.Priority != job.PriorityNormal || j.Score != 50 {
		t.Errorf("priority = %s score = %d, want normal/50", j.Priority, j.Score)
	}
	if j.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want config default 3", j.MaxAttempts)
	}
}

func TestSubmit_PriorityScoreDelayAndAttempts(t *testing.T) {
	g, s := newGate(t)
	ctx := context.Background()

	req := validRequest()
	req.Priority = job.PriorityCritical
	req.Delay = 10 * time.Minute
	req.MaxAttempts = 100

	jobID, err := g.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	j, _ := s.GetJob(ctx, jobID)
	if j.Score != 100 {
		t.Errorf("score = %d, want 100", j.Score)
	}
	if j.State != job.StateDelayed || !j.RunAt.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("state = %s run_at = %v, want delayed 10m", j.State, j.RunAt)
	}
	if j.MaxAttempts != submit.MaxAttempts {
		t.Errorf("max attempts = %d, want clamped to %d", j.MaxAttempts, submit.MaxAttempts)
	}
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*submit.Request)
		want   error
	}{
		{"empty recipient", func(r *submit.Request) { r.Recipient = "" }, herald.ErrInvalidRecipient},
		{"no at sign", func(r *submit.Request) { r.Recipient = "kim.example.com" }, herald.ErrInvalidRecipient},
		{"display name", func(r *submit.Request) { r.Recipient = "Kim <kim@example.com>" }, herald.ErrInvalidRecipient},
		{"unqualified domain", func(r *submit.Request) { r.Recipient = "kim@localhost" }, herald.ErrInvalidRecipient},
		{"too long", func(r *submit.Request) { r.Recipient = strings.Repeat("a", 250) + "@example.com" }, herald.ErrInvalidRecipient},
		{"unknown category", func(r *submit.Request) { r.Category = "marketing" }, herald.ErrInvalidContent},
		{"empty subject", func(r *submit.Request) { r.Subject = "  " }, herald.ErrInvalidContent},
		{"long subject", func(r *submit.Request) { r.Subject = strings.Repeat("x", 201) }, herald.ErrInvalidContent},
		{"header injection", func(r *submit.Request) { r.Subject = "hi\r\nBcc: all@example.com" }, herald.ErrInvalidContent},
		{"forbidden subject", func(r *submit.Request) { r.Subject = "<script>alert(1)</script>" }, herald.ErrInvalidContent},
		{"forbidden payload", func(r *submit.Request) {
			r.Data = &job.VerificationData{VerifyURL: "https://x.example.com/?q=<script>"}
		}, herald.ErrInvalidContent},
		{"missing template", func(r *submit.Request) { r.TemplateID = "" }, herald.ErrInvalidContent},
		{"missing payload", func(r *submit.Request) { r.Data = nil }, herald.ErrInvalidContent},
		{"payload category mismatch", func(r *submit.Request) {
			r.Data = &job.TransactionalData{Kind: "receipt"}
		}, herald.ErrInvalidContent},
		{"invalid payload", func(r *submit.Request) { r.Data = &job.VerificationData{} }, herald.ErrInvalidContent},
		{"unknown priority", func(r *submit.Request) { r.Priority = "urgent" }, herald.ErrInvalidContent},
		{"negative delay", func(r *submit.Request) { r.Delay = -time.Second }, herald.ErrInvalidContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, s := newGate(t)
			req := validRequest()
			tt.mutate(&req)

			_, err := g.Submit(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var ve *herald.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err %T is not a ValidationError", err)
			}
			counts, _ := s.CountJobs(context.Background(), t0)
			if counts.Waiting+counts.Delayed != 0 {
				t.Errorf("rejected request was enqueued: %+v", counts)
			}
		})
	}
}

func TestSubmit_RateLimitPerIdentifier(t *testing.T) {
	limiter := ratelimit.NewFixedWindow(3, time.Minute, ratelimit.WithClock(func() time.Time { return t0 }))
	g, _ := newGate(t, submit.WithLimiter(limiter))
	ctx := context.Background()

	for i := range 3 {
		if _, err := g.Submit(ctx, validRequest()); err != nil {
			t.Fatalf("submission %d: %v", i+1, err)
		}
	}
	_, err := g.Submit(ctx, validRequest())
	if !errors.Is(err, herald.ErrRateLimitExceeded) {
		t.Fatalf("4th submission err = %v, want rate limit", err)
	}
	var rle *herald.RateLimitError
	if !errors.As(err, &rle) || rle.Key != "recipient:kim@example.com" || rle.RetryAfter != time.Minute {
		t.Errorf("rate limit error = %+v", rle)
	}

	// Another identifier has its own window.
	other := validRequest()
	other.UserID = "u-42"
	if _, err := g.Submit(ctx, other); err != nil {
		t.Errorf("other identifier rejected: %v", err)
	}
}

// flakyStore fails enqueues while down is set.
type flakyStore struct {
	*memory.Store
	down bool
}

func (s *flakyStore) EnqueueJob(ctx context.Context, j *job.Job) error {
	if s.down {
		return errors.New("connection reset")
	}
	return s.Store.EnqueueJob(ctx, j)
}

func (s *flakyStore) EnqueueJobs(ctx context.Context, jobs []*job.Job) error {
	if s.down {
		return errors.New("connection reset")
	}
	return s.Store.EnqueueJobs(ctx, jobs)
}

func TestSubmit_StoreFailureRefundsRateLimit(t *testing.T) {
	limiter := ratelimit.NewFixedWindow(1, time.Minute, ratelimit.WithClock(func() time.Time { return t0 }))
	s := &flakyStore{Store: memory.New(), down: true}
	g, err := submit.NewGate(s, herald.DefaultConfig(),
		submit.WithLimiter(limiter),
		submit.WithClock(func() time.Time { return t0 }),
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := g.Submit(ctx, validRequest()); err == nil || errors.Is(err, herald.ErrRateLimitExceeded) {
		t.Fatalf("Submit with store down = %v, want store error", err)
	}
	if _, err := g.SubmitBulk(ctx, []submit.Request{validRequest()}); err == nil {
		t.Fatal("SubmitBulk with store down succeeded")
	}

	s.down = false
	if _, err := g.Submit(ctx, validRequest()); err != nil {
		t.Fatalf("Submit after recovery: %v", err)
	}
	if _, err := g.Submit(ctx, validRequest()); !errors.Is(err, herald.ErrRateLimitExceeded) {
		t.Errorf("second Submit = %v, want rate limit", err)
	}
}

func TestSubmit_OptedOutRecipientStillEnqueued(t *testing.T) {
	s := memory.New()
	gate := compliance.NewGate(s)
	if _, err := gate.OptOut(context.Background(), "kim@example.com"); err != nil {
		t.Fatal(err)
	}
	g, err := submit.NewGate(s, herald.DefaultConfig(), submit.WithCompliance(gate))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.Submit(context.Background(), validRequest()); err != nil {
		t.Fatalf("opted-out submission rejected: %v", err)
	}
}

func TestSubmitBulk_PartialSuccess(t *testing.T) {
	g, s := newGate(t)
	ctx := context.Background()

	bad := validRequest()
	bad.Recipient = "not-an-address"
	reqs := []submit.Request{validRequest(), bad, validRequest()}

	results, err := g.SubmitBulk(ctx, reqs)
	if err != nil {
		t.Fatalf("SubmitBulk: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("valid elements failed: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, herald.ErrInvalidRecipient) || !results[1].JobID.IsNil() {
		t.Errorf("invalid element = %+v", results[1])
	}
	if results[0].JobID.String() == results[2].JobID.String() {
		t.Error("bulk ids are not unique")
	}

	counts, _ := s.CountJobs(ctx, t0)
	if counts.Waiting != 2 {
		t.Errorf("waiting = %d, want 2", counts.Waiting)
	}
}

func TestNewGate_BadForbiddenPattern(t *testing.T) {
	cfg := herald.DefaultConfig()
	cfg.ForbiddenPatterns = []string{"("}
	if _, err := submit.NewGate(memory.New(), cfg); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
