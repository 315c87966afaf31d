package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobSubmitted = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobSkipped   = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobRecovered = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/herald/observability"

// MetricsExtension counts lifecycle events.
type MetricsExtension struct {
	submitted metric.Int64Counter
	sent      metric.Int64Counter
	skipped   metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
	recovered metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the given
// meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// On error the API returns a noop instrument.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	latency, _ := meter.Float64Histogram("herald.job.time_to_deliver",
		metric.WithDescription("Seconds from submission to provider acceptance"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		submitted: counter("herald.job.submitted", "Jobs accepted by the submission gate"),
		sent:      counter("herald.job.sent", "Jobs delivered to the provider"),
		skipped:   counter("herald.job.skipped", "Jobs skipped by compliance at dispatch"),
		retried:   counter("herald.job.retried", "Failed attempts requeued with backoff"),
		failed:    counter("herald.job.failed", "Jobs that failed permanently"),
		recovered: counter("herald.job.recovered", "Claims recovered after lease expiry"),
		latency:   latency,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func category(j *job.Job) metric.AddOption {
	return metric.WithAttributes(attribute.String("category", string(j.Category)))
}

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.submitted.Add(ctx, 1, category(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.sent.Add(ctx, 1, category(j))
	if !j.CreatedAt.IsZero() && j.FinishedAt != nil {
		m.latency.Record(ctx, j.FinishedAt.Sub(j.CreatedAt).Seconds(),
			metric.WithAttributes(attribute.String("category", string(j.Category))))
	}
	return nil
}

// OnJobSkipped implements ext.JobSkipped.
func (m *MetricsExtension) OnJobSkipped(ctx context.Context, j *job.Job, reason string) error {
	m.skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(j.Category)),
		attribute.String("reason", reason),
	))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, category(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, category(j))
	return nil
}

// OnJobRecovered implements ext.JobRecovered.
func (m *MetricsExtension) OnJobRecovered(ctx context.Context, j *job.Job) error {
	m.recovered.Add(ctx, 1, category(j))
	return nil
}
