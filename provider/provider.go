// Package provider defines the outbound delivery contract and the error
// classification the worker retries on.
//
// A Send error is transient unless it reports Permanent() == true.
// [RejectedError] (hard bounce) and non-retryable [StatusError] codes are
// permanent; timeouts, transport failures, 5xx, 408 and 429 are transient.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
)

// Message is one rendered notification.
type Message struct {
	JobID     id.JobID
	Category  job.Category
	Recipient string
	Subject   string
	Body      string
	// IdempotencyKey is stable across retries of the same job so providers
	// that support it can drop re-deliveries.
	IdempotencyKey string
}

// Receipt acknowledges an accepted message.
type Receipt struct {
	MessageID  string
	AcceptedAt time.Time
}

// Provider delivers messages to an external service.
type Provider interface {
	Name() string
	Send(ctx context.Context, m Message) (Receipt, error)
}

// RejectedError is a hard bounce: the provider refused the recipient.
type RejectedError struct {
	Recipient string
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider: recipient %s rejected: %s", e.Recipient, e.Reason)
}

// Permanent implements the retry classification.
func (*RejectedError) Permanent() bool { return true }

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Code, e.Body)
}

// Permanent reports whether the status cannot improve on retry.
func (e *StatusError) Permanent() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return false
	case e.Code >= 400 && e.Code < 500:
		return true
	}
	return false
}

// Func adapts a function to Provider.
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, m Message) (Receipt, error)
}

// Name implements Provider.
func (f Func) Name() string { return f.ProviderName }

// Send implements Provider.
func (f Func) Send(ctx context.Context, m Message) (Receipt, error) { return f.Fn(ctx, m) }

// Log accepts every message and only logs it. Useful for local runs.
type Log struct {
	Logger *slog.Logger
}

// Name implements Provider.
func (Log) Name() string { return "log" }

// Send logs m and returns a generated message id.
func (p Log) Send(ctx context.Context, m Message) (Receipt, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msgID := uuid.NewString()
	logger.InfoContext(ctx, "message delivered to log provider",
		slog.String("job_id", m.JobID.String()),
		slog.String("recipient", m.Recipient),
		slog.String("subject", m.Subject),
		slog.String("message_id", msgID),
	)
	return Receipt{MessageID: msgID, AcceptedAt: time.Now().UTC()}, nil
}
