package kafkahook_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	kh "github.com/xraph/herald/kafka_hook"
	"github.com/xraph/herald/outcome"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func newRecord() *outcome.Record {
	return &outcome.Record{
		ID:                id.NewOutcomeID(),
		JobID:             id.NewJobID(),
		Recipient:         "ann@example.com",
		Category:          job.CategoryAlert,
		Status:            outcome.StatusSent,
		ProviderMessageID: "pm-1",
		Attempts:          2,
		Duration:          1500 * time.Millisecond,
		RecordedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestExtension_Name(t *testing.T) {
	if got := kh.New(&fakeWriter{}).Name(); got != "kafka-hook" {
		t.Errorf("Name() = %q", got)
	}
}

func TestExtension_OutcomeRecorded(t *testing.T) {
	w := &fakeWriter{}
	h := kh.New(w, kh.WithTopic("herald.events"))
	rec := newRecord()

	if err := h.OnOutcomeRecorded(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != "herald.events" || string(m.Key) != rec.JobID.String() {
		t.Errorf("topic = %q key = %q", m.Topic, m.Key)
	}
	if header(m, "event_type") != kh.EventOutcomeRecorded {
		t.Errorf("event_type = %q", header(m, "event_type"))
	}

	var body map[string]any
	if err := json.Unmarshal(m.Value, &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "sent" || body["provider_message_id"] != "pm-1" || body["duration_ms"] != float64(1500) {
		t.Errorf("body = %v", body)
	}
}

func TestExtension_RetryingAndRecovered(t *testing.T) {
	w := &fakeWriter{}
	h := kh.New(w)
	j := &job.Job{ID: id.NewJobID(), Category: job.CategoryDigest, Recipient: "bo@example.com", Attempts: 1}

	if err := h.OnJobRetrying(context.Background(), j, 1, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := h.OnJobRecovered(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(w.msgs))
	}
	if header(w.msgs[0], "event_type") != kh.EventJobRetrying || header(w.msgs[1], "event_type") != kh.EventJobRecovered {
		t.Errorf("event types = %q, %q", header(w.msgs[0], "event_type"), header(w.msgs[1], "event_type"))
	}
}

func TestExtension_WithEventsFilters(t *testing.T) {
	w := &fakeWriter{}
	h := kh.New(w, kh.WithEvents(kh.EventOutcomeRecorded))
	j := &job.Job{ID: id.NewJobID()}

	_ = h.OnJobRecovered(context.Background(), j)
	_ = h.OnOutcomeRecorded(context.Background(), newRecord())

	if len(w.msgs) != 1 || header(w.msgs[0], "event_type") != kh.EventOutcomeRecorded {
		t.Fatalf("messages = %+v", w.msgs)
	}
}

func TestExtension_PayloadFunc(t *testing.T) {
	w := &fakeWriter{}
	h := kh.New(w, kh.WithPayloadFunc(kh.EventOutcomeRecorded, func(any) (any, error) {
		return map[string]string{"custom": "yes"}, nil
	}))

	if err := h.OnOutcomeRecorded(context.Background(), newRecord()); err != nil {
		t.Fatal(err)
	}
	if string(w.msgs[0].Value) != `{"custom":"yes"}` {
		t.Errorf("value = %s", w.msgs[0].Value)
	}
}

func TestExtension_WriterErrorReturned(t *testing.T) {
	want := errors.New("broker unavailable")
	h := kh.New(&fakeWriter{err: want})
	if err := h.OnOutcomeRecorded(context.Background(), newRecord()); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestNewWriter(t *testing.T) {
	w := kh.NewWriter([]string{"localhost:9092"}, "herald.events")
	if w.Topic != "herald.events" || w.RequiredAcks != kafka.RequireAll {
		t.Errorf("writer = %+v", w)
	}
}
