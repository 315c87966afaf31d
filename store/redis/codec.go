package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
)

// jobContent is the immutable part of a job, stored msgpack-encoded in the
// "body" field of the job hash. The payload keeps its JSON form so it
// decodes through the category tag.
type jobContent struct {
	ID          string        `msgpack:"id"`
	Category    string        `msgpack:"category"`
	Recipient   string        `msgpack:"recipient"`
	Subject     string        `msgpack:"subject"`
	TemplateID  string        `msgpack:"template_id"`
	Data        []byte        `msgpack:"data"`
	UserID      string        `msgpack:"user_id,omitempty"`
	AlertID     string        `msgpack:"alert_id,omitempty"`
	Priority    string        `msgpack:"priority"`
	Score       int           `msgpack:"score"`
	MaxAttempts int           `msgpack:"max_attempts"`
	Timeout     time.Duration `msgpack:"timeout"`
	CreatedAt   time.Time     `msgpack:"created_at"`
}

// rank orders the ready set: higher score first, then lower seq.
func rank(score int, seq int64) string {
	return strconv.FormatFloat(float64(100-score)*1e12+float64(seq), 'f', -1, 64)
}

func jobToMap(j *job.Job) (map[string]any, error) {
	c := jobContent{
		ID:          j.ID.String(),
		Category:    string(j.Category),
		Recipient:   j.Recipient,
		Subject:     j.Subject,
		TemplateID:  j.TemplateID,
		UserID:      j.UserID,
		AlertID:     j.AlertID,
		Priority:    string(j.Priority),
		Score:       j.Score,
		MaxAttempts: j.MaxAttempts,
		Timeout:     j.Timeout,
		CreatedAt:   j.CreatedAt,
	}
	if j.Data != nil {
		raw, err := json.Marshal(j.Data)
		if err != nil {
			return nil, fmt.Errorf("herald/redis: encode payload: %w", err)
		}
		c.Data = raw
	}
	body, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: encode job: %w", err)
	}
	return map[string]any{
		"body":         body,
		"state":        string(j.State),
		"attempts":     strconv.Itoa(j.Attempts),
		"run_at":       millis(j.RunAt),
		"last_error":   j.LastError,
		"worker_id":    j.WorkerID.String(),
		"token":        j.ClaimToken,
		"seq":          strconv.FormatInt(j.Seq, 10),
		"rank":         rank(j.Score, j.Seq),
		"lease_until":  millisPtr(j.LeaseUntil),
		"heartbeat_at": millisPtr(j.HeartbeatAt),
		"started_at":   millisPtr(j.StartedAt),
		"finished_at":  millisPtr(j.FinishedAt),
		"updated_at":   millis(j.UpdatedAt),
	}, nil
}

func mapToJob(m map[string]string) (*job.Job, error) {
	var c jobContent
	if err := msgpack.Unmarshal([]byte(m["body"]), &c); err != nil {
		return nil, fmt.Errorf("herald/redis: decode job: %w", err)
	}
	jobID, err := id.ParseJobID(c.ID)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: parse job id: %w", err)
	}

	j := &job.Job{
		ID:          jobID,
		Category:    job.Category(c.Category),
		Recipient:   c.Recipient,
		Subject:     c.Subject,
		TemplateID:  c.TemplateID,
		UserID:      c.UserID,
		AlertID:     c.AlertID,
		Priority:    job.Priority(c.Priority),
		Score:       c.Score,
		MaxAttempts: c.MaxAttempts,
		Timeout:     c.Timeout,
		CreatedAt:   c.CreatedAt.UTC(),
		State:       job.State(m["state"]),
		LastError:   m["last_error"],
		ClaimToken:  m["token"],
		RunAt:       fromMillis(m["run_at"]),
		UpdatedAt:   fromMillis(m["updated_at"]),
		LeaseUntil:  fromMillisPtr(m["lease_until"]),
		HeartbeatAt: fromMillisPtr(m["heartbeat_at"]),
		StartedAt:   fromMillisPtr(m["started_at"]),
		FinishedAt:  fromMillisPtr(m["finished_at"]),
	}
	j.Attempts, _ = strconv.Atoi(m["attempts"])   //nolint:errcheck // best-effort parse from trusted Redis data
	j.Seq, _ = strconv.ParseInt(m["seq"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.Parse(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if len(c.Data) > 0 {
		p, err := job.DecodePayload(j.Category, c.Data)
		if err != nil {
			return nil, err
		}
		j.Data = p
	}
	return j, nil
}

func millis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func millisPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return millis(*t)
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := fromMillis(s)
	return &t
}

type outcomeModel struct {
	ID                string        `msgpack:"id"`
	JobID             string        `msgpack:"job_id"`
	Recipient         string        `msgpack:"recipient"`
	Category          string        `msgpack:"category"`
	Status            string        `msgpack:"status"`
	ProviderMessageID string        `msgpack:"provider_message_id,omitempty"`
	Attempts          int           `msgpack:"attempts"`
	Error             string        `msgpack:"error,omitempty"`
	Duration          time.Duration `msgpack:"duration"`
	RecordedAt        time.Time     `msgpack:"recorded_at"`
}

func encodeOutcome(r *outcome.Record) ([]byte, error) {
	return msgpack.Marshal(&outcomeModel{
		ID:                r.ID.String(),
		JobID:             r.JobID.String(),
		Recipient:         r.Recipient,
		Category:          string(r.Category),
		Status:            string(r.Status),
		ProviderMessageID: r.ProviderMessageID,
		Attempts:          r.Attempts,
		Error:             r.Error,
		Duration:          r.Duration,
		RecordedAt:        r.RecordedAt,
	})
}

func decodeOutcome(b []byte) (*outcome.Record, error) {
	var m outcomeModel
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("herald/redis: decode outcome: %w", err)
	}
	outID, err := id.ParseOutcomeID(m.ID)
	if err != nil {
		return nil, err
	}
	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, err
	}
	return &outcome.Record{
		ID:                outID,
		JobID:             jobID,
		Recipient:         m.Recipient,
		Category:          job.Category(m.Category),
		Status:            outcome.Status(m.Status),
		ProviderMessageID: m.ProviderMessageID,
		Attempts:          m.Attempts,
		Error:             m.Error,
		Duration:          m.Duration,
		RecordedAt:        m.RecordedAt.UTC(),
	}, nil
}

type complianceModel struct {
	Recipient          string    `msgpack:"recipient"`
	GlobalOptOut       bool      `msgpack:"global_opt_out"`
	OptedOutCategories []string  `msgpack:"opted_out_categories"`
	UpdatedAt          time.Time `msgpack:"updated_at"`
}

func encodeCompliance(r *compliance.Record) ([]byte, error) {
	m := complianceModel{
		Recipient:    r.Recipient,
		GlobalOptOut: r.GlobalOptOut,
		UpdatedAt:    r.UpdatedAt,
	}
	for _, c := range r.OptedOutCategories {
		m.OptedOutCategories = append(m.OptedOutCategories, string(c))
	}
	return msgpack.Marshal(&m)
}

func decodeCompliance(b []byte) (*compliance.Record, error) {
	var m complianceModel
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("herald/redis: decode compliance record: %w", err)
	}
	r := &compliance.Record{
		Recipient:    m.Recipient,
		GlobalOptOut: m.GlobalOptOut,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
	for _, c := range m.OptedOutCategories {
		r.OptedOutCategories = append(r.OptedOutCategories, job.Category(c))
	}
	return r, nil
}

type invoiceModel struct {
	ID            string     `msgpack:"id"`
	CustomerID    string     `msgpack:"customer_id"`
	Email         string     `msgpack:"email"`
	AmountCents   int64      `msgpack:"amount_cents"`
	Currency      string     `msgpack:"currency"`
	State         string     `msgpack:"state"`
	Attempts      int        `msgpack:"attempts"`
	NextAttemptAt time.Time  `msgpack:"next_attempt_at"`
	LastError     string     `msgpack:"last_error,omitempty"`
	PaidAt        *time.Time `msgpack:"paid_at,omitempty"`
	CreatedAt     time.Time  `msgpack:"created_at"`
	UpdatedAt     time.Time  `msgpack:"updated_at"`
}

func encodeInvoice(inv *dunning.Invoice) ([]byte, error) {
	return msgpack.Marshal(&invoiceModel{
		ID:            inv.ID.String(),
		CustomerID:    inv.CustomerID,
		Email:         inv.Email,
		AmountCents:   inv.AmountCents,
		Currency:      inv.Currency,
		State:         string(inv.State),
		Attempts:      inv.Attempts,
		NextAttemptAt: inv.NextAttemptAt,
		LastError:     inv.LastError,
		PaidAt:        inv.PaidAt,
		CreatedAt:     inv.CreatedAt,
		UpdatedAt:     inv.UpdatedAt,
	})
}

func decodeInvoice(b []byte) (*dunning.Invoice, error) {
	var m invoiceModel
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("herald/redis: decode invoice: %w", err)
	}
	invID, err := id.ParseInvoiceID(m.ID)
	if err != nil {
		return nil, err
	}
	return &dunning.Invoice{
		ID:            invID,
		CustomerID:    m.CustomerID,
		Email:         m.Email,
		AmountCents:   m.AmountCents,
		Currency:      m.Currency,
		State:         dunning.State(m.State),
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt.UTC(),
		LastError:     m.LastError,
		PaidAt:        m.PaidAt,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}, nil
}
