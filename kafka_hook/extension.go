package kafkahook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Extension)(nil)
	_ ext.OutcomeRecorded = (*Extension)(nil)
	_ ext.JobRetrying     = (*Extension)(nil)
	_ ext.JobRecovered    = (*Extension)(nil)
	_ Writer              = (*kafka.Writer)(nil)
)

// Writer is the subset of *kafka.Writer the hook uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a synchronous writer publishing to topic with
// all-replica acknowledgement and key-hash partitioning.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Extension publishes lifecycle events through a Writer.
type Extension struct {
	writer   Writer
	topic    string
	enabled  map[string]bool
	payloads map[string]PayloadFunc
	now      func() time.Time
}

// New creates an Extension publishing through w.
func New(w Writer, opts ...Option) *Extension {
	h := &Extension{writer: w, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "kafka-hook" }

// OnOutcomeRecorded implements ext.OutcomeRecorded.
func (h *Extension) OnOutcomeRecorded(ctx context.Context, r *outcome.Record) error {
	return h.publish(ctx, EventOutcomeRecorded, r.JobID.String(), &outcomePayload{
		OutcomeID:         r.ID.String(),
		JobID:             r.JobID.String(),
		Recipient:         r.Recipient,
		Category:          string(r.Category),
		Status:            string(r.Status),
		ProviderMessageID: r.ProviderMessageID,
		Attempts:          r.Attempts,
		Error:             r.Error,
		DurationMs:        r.Duration.Milliseconds(),
		RecordedAt:        r.RecordedAt.Format(time.RFC3339Nano),
	})
}

// OnJobRetrying implements ext.JobRetrying.
func (h *Extension) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	return h.publish(ctx, EventJobRetrying, j.ID.String(), &retryingPayload{
		jobPayload: newJobPayload(j),
		Attempt:    attempt,
		NextRunAt:  nextRunAt.Format(time.RFC3339Nano),
	})
}

// OnJobRecovered implements ext.JobRecovered.
func (h *Extension) OnJobRecovered(ctx context.Context, j *job.Job) error {
	p := newJobPayload(j)
	return h.publish(ctx, EventJobRecovered, j.ID.String(), &p)
}

func newJobPayload(j *job.Job) jobPayload {
	return jobPayload{
		JobID:     j.ID.String(),
		Category:  string(j.Category),
		Recipient: j.Recipient,
		Attempts:  j.Attempts,
		LastError: j.LastError,
	}
}

// publish writes one message if eventType is enabled.
func (h *Extension) publish(ctx context.Context, eventType, key string, defaultData any) error {
	if h.enabled != nil && !h.enabled[eventType] {
		return nil
	}

	data := defaultData
	if fn, ok := h.payloads[eventType]; ok {
		custom, err := fn(defaultData)
		if err != nil {
			return err
		}
		data = custom
	}
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("kafkahook: encode %s: %w", eventType, err)
	}

	return h.writer.WriteMessages(ctx, kafka.Message{
		Topic:   h.topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(eventType)}},
		Time:    h.now().UTC(),
	})
}
