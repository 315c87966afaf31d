// Package submit is the producer side of the queue. A Gate validates a
// request, charges the submission rate limit, and enqueues the job,
// returning its id synchronously. Delivery results are never reported
// through the submission call.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/ratelimit"
)

// Attempt budget bounds for per-request overrides.
const (
	MinAttempts = 1
	MaxAttempts = 25

	maxAddressLength = 254
)

// Request is one notification to enqueue.
type Request struct {
	Category   job.Category
	Recipient  string
	Subject    string
	TemplateID string
	Data       job.Payload
	UserID     string
	AlertID    string
	// Priority defaults to normal.
	Priority job.Priority
	// Delay postpones the first attempt.
	Delay time.Duration
	// MaxAttempts overrides the configured budget when positive.
	MaxAttempts int
	// Timeout overrides the configured per-dispatch timeout when positive.
	Timeout time.Duration
}

// Result is the per-element answer of SubmitBulk. Exactly one of JobID and
// Err is set.
type Result struct {
	JobID id.JobID
	Err   error
}

// Option configures a Gate.
type Option func(*Gate)

// WithLimiter replaces the submission rate limiter built from config.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Gate) { g.limiter = l }
}

// WithCompliance enables the advisory opt-out check at submission.
func WithCompliance(c *compliance.Gate) Option {
	return func(g *Gate) { g.compliance = c }
}

// WithExtensions sets the registry notified of submissions.
func WithExtensions(r *ext.Registry) Option {
	return func(g *Gate) { g.extensions = r }
}

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate validates and enqueues jobs.
type Gate struct {
	store      job.Store
	limiter    ratelimit.Limiter
	compliance *compliance.Gate
	extensions *ext.Registry
	logger     *slog.Logger
	now        func() time.Time

	maxSubject  int
	forbidden   []*regexp.Regexp
	maxAttempts int
}

// NewGate creates a Gate enqueueing into store.
func NewGate(store job.Store, cfg herald.Config, opts ...Option) (*Gate, error) {
	g := &Gate{
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		maxSubject:  cfg.MaxSubjectLength,
		maxAttempts: cfg.MaxAttempts,
	}
	for _, p := range cfg.ForbiddenPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("submit: forbidden pattern %q: %w", p, err)
		}
		g.forbidden = append(g.forbidden, re)
	}
	for _, o := range opts {
		o(g)
	}
	if g.limiter == nil {
		if cfg.SubmitRateLimit.Enabled() {
			g.limiter = ratelimit.NewFixedWindow(cfg.SubmitRateLimit.Limit, cfg.SubmitRateLimit.Window, ratelimit.WithClock(g.now))
		} else {
			g.limiter = ratelimit.Unlimited{}
		}
	}
	if g.extensions == nil {
		g.extensions = ext.NewRegistry(g.logger)
	}
	return g, nil
}

// Submit validates req, charges the rate limit and enqueues the job.
// Errors are *herald.ValidationError, *herald.RateLimitError, or a store
// failure.
func (g *Gate) Submit(ctx context.Context, req Request) (id.JobID, error) {
	j, err := g.build(req)
	if err != nil {
		return id.Nil, err
	}
	refund, err := g.admit(ctx, j)
	if err != nil {
		return id.Nil, err
	}
	if err := g.store.EnqueueJob(ctx, j); err != nil {
		refund()
		return id.Nil, fmt.Errorf("submit: enqueue: %w", err)
	}
	g.submitted(ctx, j)
	return j.ID, nil
}

// SubmitBulk validates every request independently and enqueues the valid
// ones in a single atomic store call. Invalid or rate-limited elements fail
// alone. The returned error is set only when the batch enqueue itself
// failed, in which case every otherwise-valid element carries it too.
func (g *Gate) SubmitBulk(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	valid := make([]*job.Job, 0, len(reqs))
	index := make([]int, 0, len(reqs))
	refunds := make([]func(), 0, len(reqs))

	for i, req := range reqs {
		j, err := g.build(req)
		var refund func()
		if err == nil {
			refund, err = g.admit(ctx, j)
		}
		if err != nil {
			results[i].Err = err
			continue
		}
		valid = append(valid, j)
		index = append(index, i)
		refunds = append(refunds, refund)
	}

	if len(valid) == 0 {
		return results, nil
	}
	if err := g.store.EnqueueJobs(ctx, valid); err != nil {
		err = fmt.Errorf("submit: enqueue batch: %w", err)
		for k, i := range index {
			results[i].Err = err
			refunds[k]()
		}
		return results, err
	}
	for k, j := range valid {
		results[index[k]].JobID = j.ID
		g.submitted(ctx, j)
	}
	g.logger.Info("bulk submission enqueued",
		slog.Int("requested", len(reqs)),
		slog.Int("enqueued", len(valid)),
	)
	return results, nil
}

func (g *Gate) build(req Request) (*job.Job, error) {
	recipient, err := normalizeRecipient(req.Recipient)
	if err != nil {
		return nil, err
	}
	if !req.Category.Valid() {
		return nil, herald.InvalidContent("category", fmt.Sprintf("unknown category %q", req.Category))
	}
	subject := strings.TrimSpace(req.Subject)
	switch {
	case subject == "":
		return nil, herald.InvalidContent("subject", "must not be empty")
	case g.maxSubject > 0 && utf8.RuneCountInString(subject) > g.maxSubject:
		return nil, herald.InvalidContent("subject", fmt.Sprintf("longer than %d characters", g.maxSubject))
	case strings.ContainsAny(subject, "\r\n"):
		return nil, herald.InvalidContent("subject", "must be a single line")
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		return nil, herald.InvalidContent("template_id", "must not be empty")
	}
	if req.Data == nil {
		return nil, herald.InvalidContent("data", "payload is required")
	}
	if req.Data.Category() != req.Category {
		return nil, herald.InvalidContent("data", fmt.Sprintf("%s payload for %s job", req.Data.Category(), req.Category))
	}
	if err := req.Data.Validate(); err != nil {
		return nil, herald.InvalidContent("data", err.Error())
	}
	if err := g.screen(subject, req.Data); err != nil {
		return nil, err
	}
	if !req.Priority.Valid() {
		return nil, herald.InvalidContent("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}
	if req.Delay < 0 || req.Timeout < 0 {
		return nil, herald.InvalidContent("schedule", "delay and timeout must not be negative")
	}

	priority := req.Priority
	if priority == "" {
		priority = job.PriorityNormal
	}
	attempts := g.maxAttempts
	if req.MaxAttempts > 0 {
		attempts = req.MaxAttempts
	}
	attempts = min(max(attempts, MinAttempts), MaxAttempts)

	now := g.now().UTC()
	j := &job.Job{
		ID:          id.NewJobID(),
		Category:    req.Category,
		Recipient:   recipient,
		Subject:     subject,
		TemplateID:  req.TemplateID,
		Data:        req.Data,
		UserID:      req.UserID,
		AlertID:     req.AlertID,
		Priority:    priority,
		Score:       priority.Score(),
		MaxAttempts: attempts,
		Timeout:     req.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
		State:       job.StatePending,
		RunAt:       now,
	}
	if req.Delay > 0 {
		j.State = job.StateDelayed
		j.RunAt = now.Add(req.Delay)
	}
	return j, nil
}

// screen rejects subjects and payloads matching a forbidden pattern.
func (g *Gate) screen(subject string, data job.Payload) error {
	if len(g.forbidden) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return herald.InvalidContent("data", err.Error())
	}
	raw := buf.Bytes()
	for _, re := range g.forbidden {
		if re.MatchString(subject) {
			return herald.InvalidContent("subject", "matches a forbidden pattern")
		}
		if re.Match(raw) {
			return herald.InvalidContent("data", "matches a forbidden pattern")
		}
	}
	return nil
}

// admit charges the rate limit for j. The returned refund gives the slot
// back and must be called when the job is not enqueued after all.
func (g *Gate) admit(ctx context.Context, j *job.Job) (refund func(), err error) {
	key := "recipient:" + j.Recipient
	if j.UserID != "" {
		key = "user:" + j.UserID
	}
	d, err := g.limiter.Allow(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("submit: rate limiter: %w", err)
	}
	if !d.Allowed {
		g.logger.Warn("submission rate limited",
			slog.String("key", key),
			slog.String("category", string(j.Category)),
		)
		return nil, &herald.RateLimitError{Key: key, RetryAfter: d.RetryAfter(g.now())}
	}
	refund = func() {
		r, ok := g.limiter.(ratelimit.Refunder)
		if !ok {
			return
		}
		if err := r.Refund(context.WithoutCancel(ctx), key, d); err != nil {
			g.logger.Warn("rate limit refund failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	if g.compliance != nil {
		v, err := g.compliance.Check(ctx, j.Recipient, j.Category)
		if err == nil && !v.Allowed {
			g.logger.Debug("recipient opted out at submission, enqueueing for dispatch-time check",
				slog.String("recipient", j.Recipient),
				slog.String("reason", v.Reason),
			)
		}
	}
	return refund, nil
}

func (g *Gate) submitted(ctx context.Context, j *job.Job) {
	g.extensions.EmitJobSubmitted(ctx, j)
	g.logger.Debug("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("category", string(j.Category)),
		slog.String("priority", string(j.Priority)),
		slog.String("state", string(j.State)),
	)
}

// normalizeRecipient accepts a bare RFC 5322 address and lower-cases it.
func normalizeRecipient(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "", herald.InvalidRecipient("empty address")
	}
	if len(addr) > maxAddressLength {
		return "", herald.InvalidRecipient(fmt.Sprintf("longer than %d characters", maxAddressLength))
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", herald.InvalidRecipient(err.Error())
	}
	if parsed.Name != "" || parsed.Address != addr {
		return "", herald.InvalidRecipient("display names and comments are not allowed")
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 1 || !strings.Contains(addr[at+1:], ".") {
		return "", herald.InvalidRecipient("domain must be fully qualified")
	}
	return compliance.Normalize(addr), nil
}
