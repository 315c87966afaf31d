package kafkahook

// Event types, carried in the "event_type" message header.
const (
	EventOutcomeRecorded = "herald.outcome.recorded"
	EventJobRetrying     = "herald.job.retrying"
	EventJobRecovered    = "herald.job.recovered"
)

// AllEvents lists every event type the hook can publish.
func AllEvents() []string {
	return []string{EventOutcomeRecorded, EventJobRetrying, EventJobRecovered}
}

type outcomePayload struct {
	OutcomeID         string `json:"outcome_id"`
	JobID             string `json:"job_id"`
	Recipient         string `json:"recipient"`
	Category          string `json:"category"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Attempts          int    `json:"attempts"`
	Error             string `json:"error,omitempty"`
	DurationMs        int64  `json:"duration_ms"`
	RecordedAt        string `json:"recorded_at"`
}

type jobPayload struct {
	JobID     string `json:"job_id"`
	Category  string `json:"category"`
	Recipient string `json:"recipient"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

type retryingPayload struct {
	jobPayload
	Attempt   int    `json:"attempt"`
	NextRunAt string `json:"next_run_at"`
}
