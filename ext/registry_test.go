package ext_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
)

type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnJobSubmitted(context.Context, *job.Job) error {
	e.calls = append(e.calls, "submitted")
	return nil
}

func (e *allHooksExt) OnJobStarted(context.Context, *job.Job) error {
	e.calls = append(e.calls, "started")
	return nil
}

func (e *allHooksExt) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	e.calls = append(e.calls, "completed")
	return nil
}

func (e *allHooksExt) OnJobSkipped(context.Context, *job.Job, string) error {
	e.calls = append(e.calls, "skipped")
	return nil
}

func (e *allHooksExt) OnJobRetrying(context.Context, *job.Job, int, time.Time) error {
	e.calls = append(e.calls, "retrying")
	return nil
}

func (e *allHooksExt) OnJobFailed(context.Context, *job.Job, error) error {
	e.calls = append(e.calls, "failed")
	return nil
}

func (e *allHooksExt) OnJobRecovered(context.Context, *job.Job) error {
	e.calls = append(e.calls, "recovered")
	return nil
}

func (e *allHooksExt) OnOutcomeRecorded(context.Context, *outcome.Record) error {
	e.calls = append(e.calls, "outcome")
	return nil
}

func (e *allHooksExt) OnShutdown(context.Context) error {
	e.calls = append(e.calls, "shutdown")
	return nil
}

// skipOnlyExt implements a single hook and fails it.
type skipOnlyExt struct{ n int }

func (e *skipOnlyExt) Name() string { return "skip-only" }

func (e *skipOnlyExt) OnJobSkipped(context.Context, *job.Job, string) error {
	e.n++
	return errors.New("sink unavailable")
}

func TestRegistry_EmitsEveryHook(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	j := &job.Job{}
	r.EmitJobSubmitted(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobSkipped(ctx, j, "global_opt_out")
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitJobFailed(ctx, j, errors.New("x"))
	r.EmitJobRecovered(ctx, j)
	r.EmitOutcomeRecorded(ctx, &outcome.Record{})
	r.EmitShutdown(ctx)

	want := "submitted started completed skipped retrying failed recovered outcome shutdown"
	if got := strings.Join(all.calls, " "); got != want {
		t.Errorf("calls = %q\nwant    %q", got, want)
	}
}

func TestRegistry_OnlyImplementedHooks(t *testing.T) {
	var buf bytes.Buffer
	r := ext.NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	skip := &skipOnlyExt{}
	r.Register(skip)

	ctx := context.Background()
	r.EmitJobCompleted(ctx, &job.Job{}, time.Second)
	r.EmitJobSkipped(ctx, &job.Job{}, "category_opt_out")

	if skip.n != 1 {
		t.Errorf("OnJobSkipped called %d times, want 1", skip.n)
	}
	if !strings.Contains(buf.String(), "extension hook error") || !strings.Contains(buf.String(), "skip-only") {
		t.Errorf("hook error not logged: %s", buf.String())
	}
	if len(r.Extensions()) != 1 {
		t.Errorf("Extensions() = %d, want 1", len(r.Extensions()))
	}
}
