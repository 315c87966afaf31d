package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xraph/herald/retry"
)

type declined struct{}

func (declined) Error() string   { return "card declined" }
func (declined) Permanent() bool { return true }

func TestDecide(t *testing.T) {
	p := retry.New[string](3, time.Second, time.Minute, nil)
	transient := errors.New("503")

	tests := []struct {
		name      string
		attempt   int
		err       error
		wantRetry bool
		wantDelay time.Duration
		reason    retry.Reason
	}{
		{"first failure", 1, transient, true, time.Second, retry.ReasonTransient},
		{"second failure", 2, transient, true, 2 * time.Second, retry.ReasonTransient},
		{"budget spent", 3, transient, false, 0, retry.ReasonExhausted},
		{"marked permanent", 1, retry.Permanent(transient), false, 0, retry.ReasonPermanent},
		{"wrapped permanent type", 1, fmt.Errorf("charge: %w", declined{}), false, 0, retry.ReasonPermanent},
		{"success", 1, nil, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempt, tt.err)
			if d.Retry != tt.wantRetry || d.Delay != tt.wantDelay || d.Reason != tt.reason {
				t.Errorf("Decide(%d) = %+v, want retry=%v delay=%v reason=%q",
					tt.attempt, d, tt.wantRetry, tt.wantDelay, tt.reason)
			}
		})
	}
}

func TestWithMaxAttempts(t *testing.T) {
	p := retry.New[string](3, time.Second, 0, nil)
	if got := p.WithMaxAttempts(5).Decide(4, errors.New("x")); !got.Retry {
		t.Errorf("attempt 4 of 5 should retry, got %+v", got)
	}
	if got := p.WithMaxAttempts(0).MaxAttempts; got != 3 {
		t.Errorf("WithMaxAttempts(0) changed budget to %d", got)
	}
	if p.MaxAttempts != 3 {
		t.Error("WithMaxAttempts mutated the receiver")
	}
}

func TestEscalate(t *testing.T) {
	var got string
	p := retry.New[string](2, time.Second, 0, func(_ context.Context, subject string, cause error) error {
		got = subject + ": " + cause.Error()
		return nil
	})
	if err := p.Escalate(context.Background(), "inv_1", errors.New("declined")); err != nil {
		t.Fatal(err)
	}
	if got != "inv_1: declined" {
		t.Errorf("hook saw %q", got)
	}

	var none retry.Policy[int]
	if err := none.Escalate(context.Background(), 1, errors.New("x")); err != nil {
		t.Errorf("nil hook returned %v", err)
	}
}

func TestPermanent(t *testing.T) {
	if retry.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("bounce")
	err := retry.Permanent(base)
	if !errors.Is(err, base) {
		t.Error("Permanent should unwrap to the cause")
	}
	if retry.IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
}
