// Package client provides a Go client for a remote herald instance over its
// HTTP API.
//
// Usage:
//
//	c := client.New("https://herald.internal",
//	    client.WithClientID("billing"),
//	    client.WithRetry(3, 200*time.Millisecond),
//	)
//
//	jobID, err := c.Submit(ctx, api.SubmitRequest{
//	    Category:   job.CategoryTransactional,
//	    Recipient:  "ada@example.com",
//	    Subject:    "Your receipt",
//	    TemplateID: "receipt",
//	    Data:       json.RawMessage(`{"order_id":"o-1","summary":"1 item"}`),
//	})
//
// Rate-limited requests (429) are retried after the server's Retry-After
// delay. Transport errors and 5xx answers are retried only for reads, since
// a failed submission may already have been enqueued.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/herald/api"
	"github.com/xraph/herald/backoff"
)

// Error is a non-2xx answer from the server.
type Error struct {
	Status     int
	Code       string
	Message    string
	Field      string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("herald/client: %d %s: %s (%s)", e.Status, e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("herald/client: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// IsRateLimited reports whether err is a 429 answer.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusTooManyRequests
}

// Client talks to one herald server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clientID   string
	logger     *slog.Logger

	maxRetries int
	backoff    backoff.Strategy
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		backoff:    backoff.NewExponentialWithJitter(200*time.Millisecond, 5*time.Second, 0.2),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends one request and decodes a 2xx body into out. Bodies of 207
// answers are decoded too; the caller inspects per-element results.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("herald/client: encode request: %w", err)
		}
	}
	idempotent := method == http.MethodGet

	for attempt := 1; ; attempt++ {
		err := c.once(ctx, method, path, body, out)
		if err == nil || attempt > c.maxRetries {
			return err
		}

		var apiErr *Error
		var wait time.Duration
		switch {
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests:
			wait = apiErr.RetryAfter
		case errors.As(err, &apiErr) && apiErr.Status >= 500 && idempotent:
			wait = c.backoff.Delay(attempt)
		case apiErr == nil && idempotent && ctx.Err() == nil:
			wait = c.backoff.Delay(attempt)
		default:
			return err
		}

		c.logger.Debug("herald/client: retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("herald/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("herald/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("herald/client: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	e := &Error{Status: resp.StatusCode}
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		e.Code, e.Message, e.Field = body.Code, body.Message, body.Field
	}
	if e.Code == "" {
		e.Code = strings.ReplaceAll(strings.ToLower(http.StatusText(resp.StatusCode)), " ", "_")
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
