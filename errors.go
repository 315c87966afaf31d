package herald

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("herald: no store configured")
	ErrMigrationFailed = errors.New("herald: migration failed")

	// Not found errors.
	ErrJobNotFound        = errors.New("herald: job not found")
	ErrOutcomeNotFound    = errors.New("herald: outcome not found")
	ErrComplianceNotFound = errors.New("herald: compliance record not found")
	ErrInvoiceNotFound    = errors.New("herald: invoice not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("herald: job already exists")
	ErrOutcomeExists    = errors.New("herald: outcome already recorded")

	// Submission errors.
	ErrInvalidRecipient  = errors.New("herald: invalid recipient")
	ErrInvalidContent    = errors.New("herald: invalid content")
	ErrRateLimitExceeded = errors.New("herald: rate limit exceeded")

	// Lifecycle errors.
	ErrLeaseLost    = errors.New("herald: job lease lost")
	ErrInvalidState = errors.New("herald: invalid state transition")
	ErrNotStarted   = errors.New("herald: engine not started")
)

// ValidationError reports a submission rejected for its content or
// recipient. It matches ErrInvalidRecipient or ErrInvalidContent with
// errors.Is.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Field, e.Reason)
}

// Unwrap returns the sentinel the error classifies as.
func (e *ValidationError) Unwrap() error { return e.Err }

// InvalidRecipient returns a ValidationError for the recipient field.
func InvalidRecipient(reason string) *ValidationError {
	return &ValidationError{Field: "recipient", Reason: reason, Err: ErrInvalidRecipient}
}

// InvalidContent returns a ValidationError for a content field.
func InvalidContent(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Err: ErrInvalidContent}
}

// RateLimitError reports a submission rejected by the submission rate
// limiter. RetryAfter is the time until the current window resets.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: %s (retry after %s)", ErrRateLimitExceeded, e.Key, e.RetryAfter.Round(time.Second))
}

// Unwrap returns ErrRateLimitExceeded.
func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }
