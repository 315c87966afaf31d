package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/xraph/herald/api"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/monitor"
	"github.com/xraph/herald/outcome"
)

// Submit enqueues one notification and returns its job ID.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (id.JobID, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/notifications", req, &resp); err != nil {
		return id.Nil, err
	}
	return resp.JobID, nil
}

// SubmitBulk enqueues several notifications. A partial rejection is not an
// error; inspect the per-element results.
func (c *Client) SubmitBulk(ctx context.Context, reqs []api.SubmitRequest) (*api.BulkResponse, error) {
	var resp api.BulkResponse
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/bulk", api.BulkRequest{Notifications: reqs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Job fetches a job by ID.
func (c *Client) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/v1/notifications/"+jobID.String(), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Outcome fetches the terminal outcome of a job.
func (c *Client) Outcome(ctx context.Context, jobID id.JobID) (*outcome.Record, error) {
	var rec outcome.Record
	if err := c.do(ctx, http.MethodGet, "/v1/notifications/"+jobID.String()+"/outcome", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Outcomes lists outcome records, newest first.
func (c *Client) Outcomes(ctx context.Context, opts outcome.ListOpts) ([]*outcome.Record, error) {
	q := url.Values{}
	if opts.Recipient != "" {
		q.Set("recipient", opts.Recipient)
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/outcomes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var recs []*outcome.Record
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Stats returns queue depth per state.
func (c *Client) Stats(ctx context.Context) (*monitor.Stats, error) {
	var st monitor.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Pause stops the server's workers from claiming new jobs.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/queue/pause", nil, nil)
}

// Resume restarts claiming after Pause.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/queue/resume", nil, nil)
}

// Drain removes waiting jobs, and delayed ones when includeDelayed is set.
func (c *Client) Drain(ctx context.Context, includeDelayed bool) (int64, error) {
	var resp api.DrainResponse
	path := fmt.Sprintf("/v1/queue/drain?delayed=%t", includeDelayed)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Drained, nil
}

// Compliance returns the preference record of recipient.
func (c *Client) Compliance(ctx context.Context, recipient string) (*compliance.Record, error) {
	var rec compliance.Record
	if err := c.do(ctx, http.MethodGet, "/v1/compliance/"+url.PathEscape(recipient), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// OptOut blocks the given categories for recipient, or every category
// when none are given.
func (c *Client) OptOut(ctx context.Context, recipient string, cats ...job.Category) (*compliance.Record, error) {
	return c.preferences(ctx, recipient, "opt-out", cats)
}

// OptIn lifts opt-outs for the given categories, or all of them.
func (c *Client) OptIn(ctx context.Context, recipient string, cats ...job.Category) (*compliance.Record, error) {
	return c.preferences(ctx, recipient, "opt-in", cats)
}

func (c *Client) preferences(ctx context.Context, recipient, action string, cats []job.Category) (*compliance.Record, error) {
	var rec compliance.Record
	path := "/v1/compliance/" + url.PathEscape(recipient) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, api.PreferencesRequest{Categories: cats}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
