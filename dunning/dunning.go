// Package dunning retries payment on unpaid invoices and keeps the
// customer informed through notifications. It shares retry.Policy with
// notification delivery: a failed charge is retried on an exponential
// schedule until the budget runs out, then the invoice turns delinquent
// and the policy's escalation hook sends a final notice.
package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/retry"
	"github.com/xraph/herald/submit"
)

// State is the dunning state of an invoice.
type State string

const (
	StateOpen       State = "open"
	StatePaid       State = "paid"
	StateDelinquent State = "delinquent"
)

// Invoice is an unpaid bill under collection.
type Invoice struct {
	ID            id.InvoiceID `json:"id"`
	CustomerID    string       `json:"customer_id"`
	Email         string       `json:"email"`
	AmountCents   int64        `json:"amount_cents"`
	Currency      string       `json:"currency"`
	State         State        `json:"state"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`
	PaidAt        *time.Time   `json:"paid_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Store persists invoices.
type Store interface {
	SaveInvoice(ctx context.Context, inv *Invoice) error
	// GetInvoice returns herald.ErrInvoiceNotFound for unknown ids.
	GetInvoice(ctx context.Context, invoiceID id.InvoiceID) (*Invoice, error)
	// DueInvoices returns open invoices with NextAttemptAt at or before now.
	DueInvoices(ctx context.Context, now time.Time, limit int) ([]*Invoice, error)
}

// Charge is a successful payment.
type Charge struct {
	ChargeID string
}

// Charger collects payment for an invoice.
type Charger interface {
	Charge(ctx context.Context, inv *Invoice) (Charge, error)
}

// DeclinedError is a card decline. Hard declines (stolen card, closed
// account) are not retried.
type DeclinedError struct {
	Code string
	Hard bool
}

func (e *DeclinedError) Error() string { return "dunning: payment declined: " + e.Code }

// Permanent implements the retry classification.
func (e *DeclinedError) Permanent() bool { return e.Hard }

// Notifier submits customer notifications.
type Notifier interface {
	Submit(ctx context.Context, req submit.Request) (id.JobID, error)
}

// Notification kinds sent during dunning.
const (
	KindReceipt       = "payment_receipt"
	KindPaymentFailed = "payment_failed"
	KindFinalNotice   = "account_delinquent"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSchedule sets the retry budget and the exponential schedule between
// charge attempts.
func WithSchedule(maxAttempts int, base, maxDelay time.Duration) Option {
	return func(s *Service) {
		s.policy = retry.New[*Invoice](maxAttempts, base, maxDelay, s.finalNotice)
	}
}

// WithBatchSize bounds how many invoices one Sweep charges.
func WithBatchSize(n int) Option {
	return func(s *Service) { s.batch = n }
}

// Service runs the dunning workflow.
type Service struct {
	store    Store
	charger  Charger
	notifier Notifier
	policy   retry.Policy[*Invoice]
	logger   *slog.Logger
	now      func() time.Time
	batch    int
}

// NewService creates a Service. The default schedule allows four charge
// attempts one, two and four days apart.
func NewService(store Store, charger Charger, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:    store,
		charger:  charger,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
		batch:    100,
	}
	s.policy = retry.New[*Invoice](4, 24*time.Hour, 7*24*time.Hour, s.finalNotice)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts collection on an invoice. The first charge runs on the next
// sweep.
func (s *Service) Open(ctx context.Context, inv *Invoice) error {
	if inv.Email == "" {
		return herald.InvalidRecipient("invoice has no billing email")
	}
	if inv.AmountCents <= 0 {
		return herald.InvalidContent("amount_cents", "must be positive")
	}
	if len(inv.Currency) != 3 {
		return herald.InvalidContent("currency", "must be an ISO 4217 code")
	}
	now := s.now().UTC()
	if inv.ID.IsNil() {
		inv.ID = id.NewInvoiceID()
	}
	inv.State = StateOpen
	inv.Attempts = 0
	inv.NextAttemptAt = now
	inv.CreatedAt = now
	inv.UpdatedAt = now
	if err := s.store.SaveInvoice(ctx, inv); err != nil {
		return fmt.Errorf("dunning: open %s: %w", inv.ID, err)
	}
	s.logger.Info("dunning opened",
		slog.String("invoice_id", inv.ID.String()),
		slog.String("customer_id", inv.CustomerID),
		slog.Int64("amount_cents", inv.AmountCents),
	)
	return nil
}

// Invoice returns an invoice by ID.
func (s *Service) Invoice(ctx context.Context, invoiceID id.InvoiceID) (*Invoice, error) {
	return s.store.GetInvoice(ctx, invoiceID)
}

// SweepResult counts what one Sweep did.
type SweepResult struct {
	Paid       int
	Retrying   int
	Delinquent int
	Errors     int
}

// Sweep charges every due invoice once.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	due, err := s.store.DueInvoices(ctx, s.now().UTC(), s.batch)
	if err != nil {
		return res, fmt.Errorf("dunning: list due invoices: %w", err)
	}
	for _, inv := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		state, err := s.attempt(ctx, inv)
		if err != nil {
			res.Errors++
			s.logger.Error("dunning attempt failed",
				slog.String("invoice_id", inv.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch state {
		case StatePaid:
			res.Paid++
		case StateDelinquent:
			res.Delinquent++
		default:
			res.Retrying++
		}
	}
	return res, nil
}

func (s *Service) attempt(ctx context.Context, inv *Invoice) (State, error) {
	inv.Attempts++
	charge, chargeErr := s.charger.Charge(ctx, inv)
	now := s.now().UTC()
	inv.UpdatedAt = now

	if chargeErr == nil {
		inv.State = StatePaid
		inv.PaidAt = &now
		inv.LastError = ""
		if err := s.store.SaveInvoice(ctx, inv); err != nil {
			return "", err
		}
		s.notify(ctx, inv, KindReceipt, job.PriorityNormal, map[string]string{"charge_id": charge.ChargeID})
		return StatePaid, nil
	}

	inv.LastError = chargeErr.Error()
	decision := s.policy.Decide(inv.Attempts, chargeErr)
	if decision.Retry {
		inv.NextAttemptAt = now.Add(decision.Delay)
		if err := s.store.SaveInvoice(ctx, inv); err != nil {
			return "", err
		}
		s.logger.Info("charge failed, retry scheduled",
			slog.String("invoice_id", inv.ID.String()),
			slog.Int("attempt", inv.Attempts),
			slog.Duration("delay", decision.Delay),
		)
		s.notify(ctx, inv, KindPaymentFailed, job.PriorityHigh, map[string]string{
			"next_attempt_at": inv.NextAttemptAt.Format(time.RFC3339),
		})
		return StateOpen, nil
	}

	inv.State = StateDelinquent
	if err := s.store.SaveInvoice(ctx, inv); err != nil {
		return "", err
	}
	s.logger.Warn("invoice delinquent",
		slog.String("invoice_id", inv.ID.String()),
		slog.Int("attempts", inv.Attempts),
		slog.String("reason", string(decision.Reason)),
	)
	if err := s.policy.Escalate(ctx, inv, chargeErr); err != nil {
		s.logger.Error("dunning escalation failed",
			slog.String("invoice_id", inv.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return StateDelinquent, nil
}

func (s *Service) finalNotice(ctx context.Context, inv *Invoice, cause error) error {
	if s.notify(ctx, inv, KindFinalNotice, job.PriorityCritical, map[string]string{"reason": cause.Error()}) {
		return nil
	}
	return errors.New("dunning: final notice not submitted")
}

// notify submits a transactional message. Submission failures are logged
// and never undo the invoice transition.
func (s *Service) notify(ctx context.Context, inv *Invoice, kind string, p job.Priority, extra map[string]string) bool {
	fields := map[string]string{
		"invoice_id": inv.ID.String(),
		"amount":     formatAmount(inv.AmountCents, inv.Currency),
		"attempt":    strconv.Itoa(inv.Attempts),
	}
	for k, v := range extra {
		fields[k] = v
	}
	jobID, err := s.notifier.Submit(ctx, submit.Request{
		Category:   job.CategoryTransactional,
		Recipient:  inv.Email,
		Subject:    subjects[kind],
		TemplateID: "dunning_" + kind,
		Data:       &job.TransactionalData{Kind: kind, Fields: fields},
		UserID:     inv.CustomerID,
		Priority:   p,
	})
	if err != nil {
		s.logger.Error("dunning notification rejected",
			slog.String("invoice_id", inv.ID.String()),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.logger.Debug("dunning notification queued",
		slog.String("invoice_id", inv.ID.String()),
		slog.String("kind", kind),
		slog.String("job_id", jobID.String()),
	)
	return true
}

var subjects = map[string]string{
	KindReceipt:       "Payment received",
	KindPaymentFailed: "We couldn't process your payment",
	KindFinalNotice:   "Your account is past due",
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
