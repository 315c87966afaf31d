package audithook

// Audit actions. Each corresponds to one ext lifecycle hook.
const (
	ActionJobSubmitted = "notification.submitted"
	ActionJobSent      = "notification.sent"
	ActionJobSkipped   = "notification.skipped"
	ActionJobRetrying  = "notification.retrying"
	ActionJobFailed    = "notification.failed"
	ActionJobRecovered = "notification.recovered"
)

// CategoryDelivery groups every action this extension emits.
const CategoryDelivery = "herald.delivery"

// ResourceNotification is the Resource field of every audit event.
const ResourceNotification = "notification"

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobSent,
		ActionJobSkipped,
		ActionJobRetrying,
		ActionJobFailed,
		ActionJobRecovered,
	}
}
