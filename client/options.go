package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/herald/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientID names the caller; the server throttles per client ID.
func WithClientID(clientID string) Option {
	return func(c *Client) { c.clientID = clientID }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry enables up to maxRetries retries, with exponential backoff
// from baseDelay for retried reads.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff.NewExponentialWithJitter(baseDelay, 30*baseDelay, 0.2)
	}
}
