// Package job defines the delivery job entity, its lifecycle, the
// category-tagged template payloads, and the store contract every queue
// backend implements.
//
// # Lifecycle
//
//	pending → active → completed
//	pending → active → skipped
//	pending → active → delayed → (due) → active → ...
//	pending → active → failed
//
// A delayed job whose RunAt has passed is ready and competes with pending
// jobs by priority score, then by enqueue order (Seq). The claim is the
// only mutual-exclusion point: a job has at most one live ClaimToken, and
// requeue, heartbeat and finalize calls carrying a stale token fail with
// herald.ErrLeaseLost.
//
// # Payloads
//
// Template data is a tagged union. Each [Category] has exactly one payload
// type ([AlertData], [DigestData], [CredentialResetData],
// [VerificationData], [TransactionalData]); [DecodePayload] resolves the
// concrete type from the category tag.
package job
