package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts each message as JSON to a delivery gateway.
//
// The gateway answers 2xx with {"message_id": "..."} on acceptance, and
// 410 or 422 when it refuses the recipient.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.httpClient = c }
}

// WithBearerToken authenticates requests.
func WithBearerToken(token string) WebhookOption {
	return func(w *Webhook) { w.token = token }
}

// NewWebhook creates a webhook provider posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{url: url, httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Name implements Provider.
func (*Webhook) Name() string { return "webhook" }

type webhookRequest struct {
	JobID     string `json:"job_id"`
	Category  string `json:"category"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type webhookResponse struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

// Send implements Provider.
func (w *Webhook) Send(ctx context.Context, m Message) (Receipt, error) {
	payload, err := json.Marshal(webhookRequest{
		JobID:     m.JobID.String(),
		Category:  string(m.Category),
		Recipient: m.Recipient,
		Subject:   m.Subject,
		Body:      m.Body,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("provider: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", m.IdempotencyKey)
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("provider: post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, fmt.Errorf("provider: read response: %w", err)
	}

	var out webhookResponse
	_ = json.Unmarshal(body, &out) //nolint:errcheck // body may be plain text on errors

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Receipt{MessageID: out.MessageID, AcceptedAt: time.Now().UTC()}, nil
	case resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusUnprocessableEntity:
		reason := out.Reason
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return Receipt{}, &RejectedError{Recipient: m.Recipient, Reason: reason}
	default:
		return Receipt{}, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
}
