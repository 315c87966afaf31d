package redis

// All keys share the "herald:" prefix.
const keyPrefix = "herald:"

// jobKeyPrefix prefixes job hashes: herald:job:{id}. Scripts build job
// keys from it, so it is passed to them as an argument.
const jobKeyPrefix = keyPrefix + "job:"

func jobKey(id string) string { return jobKeyPrefix + id }

const (
	// jobIndexKey is a Sorted Set of every job id scored by Seq.
	jobIndexKey = keyPrefix + "jobs"
	// seqKey is the enqueue sequence counter.
	seqKey = keyPrefix + "seq"
	// scheduledKey holds pending and delayed job ids scored by run_at (ms).
	scheduledKey = keyPrefix + "scheduled"
	// readyKey holds due job ids scored by rank, lowest claimed first.
	readyKey = keyPrefix + "ready"
	// activeKey holds claimed job ids scored by lease expiry (ms).
	activeKey = keyPrefix + "active"
)

// terminalKey is the Set of job ids in a terminal state.
func terminalKey(state string) string { return keyPrefix + "terminal:" + state }

func outcomeKey(jobID string) string { return keyPrefix + "outcome:" + jobID }

// outcomeIndexKey is a Sorted Set of job ids scored by recorded_at (ms).
const outcomeIndexKey = keyPrefix + "outcomes"

func complianceKey(recipient string) string { return keyPrefix + "compliance:" + recipient }

func invoiceKey(id string) string { return keyPrefix + "invoice:" + id }

// invoiceDueKey holds open invoice ids scored by next_attempt_at (ms).
const invoiceDueKey = keyPrefix + "invoices:due"
