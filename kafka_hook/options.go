package kafkahook

// Option configures an Extension.
type Option func(*Extension)

// PayloadFunc builds a custom message value for an event type from the
// default payload. The result is JSON-encoded.
type PayloadFunc func(defaultPayload any) (any, error)

// WithEvents restricts the extension to the listed event types. By default
// all are published.
func WithEvents(events ...string) Option {
	return func(h *Extension) {
		h.enabled = make(map[string]bool, len(events))
		for _, e := range events {
			h.enabled[e] = true
		}
	}
}

// WithPayloadFunc replaces the default payload for eventType.
func WithPayloadFunc(eventType string, fn PayloadFunc) Option {
	return func(h *Extension) {
		if h.payloads == nil {
			h.payloads = make(map[string]PayloadFunc)
		}
		h.payloads[eventType] = fn
	}
}

// WithTopic overrides the writer's topic per message. Leave unset when the
// writer has a fixed Topic.
func WithTopic(topic string) Option {
	return func(h *Extension) { h.topic = topic }
}
