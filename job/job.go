package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/herald/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is eligible for claim now.
	StatePending State = "pending"
	// StateDelayed means the job is waiting for RunAt after a retry or an
	// initial submission delay.
	StateDelayed State = "delayed"
	// StateActive means a worker holds the claim.
	StateActive State = "active"
	// StateCompleted means the provider accepted the message.
	StateCompleted State = "completed"
	// StateFailed means the job failed permanently or ran out of attempts.
	StateFailed State = "failed"
	// StateSkipped means the recipient had opted out at dispatch time.
	StateSkipped State = "skipped"
)

// Terminal reports whether no further automatic transition follows s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateDelayed, StateActive, StateCompleted, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Priority orders ready jobs. Higher scores are claimed first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Score maps a priority to its numeric claim score. Unknown priorities
// score as normal.
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

// Valid reports whether p is a known priority. The empty priority is
// valid and means normal.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Job is one notification to one recipient.
//
// Content fields (Category through Timeout) are fixed at enqueue. The
// attempt fields below them belong to the store and change only through
// ClaimJobs, HeartbeatJob, RequeueJob, FinalizeJob, RecoverStalledJobs.
type Job struct {
	ID          id.JobID      `json:"id"`
	Category    Category      `json:"category"`
	Recipient   string        `json:"recipient"`
	Subject     string        `json:"subject"`
	TemplateID  string        `json:"template_id"`
	Data        Payload       `json:"-"`
	UserID      string        `json:"user_id,omitempty"`
	AlertID     string        `json:"alert_id,omitempty"`
	Priority    Priority      `json:"priority"`
	Score       int           `json:"score"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`

	State       State       `json:"state"`
	Attempts    int         `json:"attempts"`
	RunAt       time.Time   `json:"run_at"`
	LastError   string      `json:"last_error,omitempty"`
	WorkerID    id.WorkerID `json:"worker_id,omitempty"`
	ClaimToken  string      `json:"-"`
	Seq         int64       `json:"seq"`
	LeaseUntil  *time.Time  `json:"lease_until,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Ready reports whether the job may be claimed at now.
func (j *Job) Ready(now time.Time) bool {
	return (j.State == StatePending || j.State == StateDelayed) && !j.RunAt.After(now)
}

// Clone returns a copy that shares no mutable time pointers with j.
// Payloads are treated as immutable and are shared.
func (j *Job) Clone() *Job {
	cp := *j
	cp.LeaseUntil = cloneTime(j.LeaseUntil)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type jobJSON Job

type wireJob struct {
	*jobJSON
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the job with its payload under "data".
func (j *Job) MarshalJSON() ([]byte, error) {
	w := wireJob{jobJSON: (*jobJSON)(j)}
	if j.Data != nil {
		raw, err := json.Marshal(j.Data)
		if err != nil {
			return nil, fmt.Errorf("job: encode %s payload: %w", j.Category, err)
		}
		w.Data = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a job, resolving "data" by the category tag.
func (j *Job) UnmarshalJSON(b []byte) error {
	w := wireJob{jobJSON: (*jobJSON)(j)}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.Data) == 0 || string(w.Data) == "null" {
		j.Data = nil
		return nil
	}
	p, err := DecodePayload(j.Category, w.Data)
	if err != nil {
		return err
	}
	j.Data = p
	return nil
}
