package dunning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// WebhookCharger asks a billing gateway to charge an invoice.
//
// The gateway answers 2xx with {"charge_id": "..."} on success and 402
// with {"decline_code": "...", "hard": bool} on a card decline. Any other
// status is treated as a transient failure.
type WebhookCharger struct {
	url        string
	token      string
	httpClient *http.Client
}

// ChargerOption configures a WebhookCharger.
type ChargerOption func(*WebhookCharger)

// WithChargerHTTPClient replaces the default client.
func WithChargerHTTPClient(c *http.Client) ChargerOption {
	return func(w *WebhookCharger) { w.httpClient = c }
}

// WithChargerToken authenticates requests.
func WithChargerToken(token string) ChargerOption {
	return func(w *WebhookCharger) { w.token = token }
}

// NewWebhookCharger creates a charger posting to url.
func NewWebhookCharger(url string, opts ...ChargerOption) *WebhookCharger {
	w := &WebhookCharger{url: url, httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(w)
	}
	return w
}

type chargeRequest struct {
	InvoiceID   string `json:"invoice_id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Attempt     int    `json:"attempt"`
}

type chargeResponse struct {
	ChargeID    string `json:"charge_id"`
	DeclineCode string `json:"decline_code"`
	Hard        bool   `json:"hard"`
}

// Charge implements Charger. The idempotency key covers one attempt, so a
// retried HTTP call inside an attempt cannot double-charge.
func (w *WebhookCharger) Charge(ctx context.Context, inv *Invoice) (Charge, error) {
	attempt := inv.Attempts + 1
	payload, err := json.Marshal(chargeRequest{
		InvoiceID:   inv.ID.String(),
		CustomerID:  inv.CustomerID,
		AmountCents: inv.AmountCents,
		Currency:    inv.Currency,
		Attempt:     attempt,
	})
	if err != nil {
		return Charge{}, fmt.Errorf("dunning: encode charge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return Charge{}, fmt.Errorf("dunning: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", inv.ID.String()+":"+strconv.Itoa(attempt))
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Charge{}, fmt.Errorf("dunning: post charge: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Charge{}, fmt.Errorf("dunning: read response: %w", err)
	}
	var out chargeResponse
	_ = json.Unmarshal(body, &out) //nolint:errcheck // body may be plain text on errors

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Charge{ChargeID: out.ChargeID}, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		code := out.DeclineCode
		if code == "" {
			code = "declined"
		}
		return Charge{}, &DeclinedError{Code: code, Hard: out.Hard}
	default:
		return Charge{}, fmt.Errorf("dunning: gateway status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
}
