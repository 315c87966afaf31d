package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
	"github.com/xraph/herald/submit"
)

// SubmitRequest is the body of POST /v1/notifications. Data is decoded
// into the payload type of Category.
type SubmitRequest struct {
	Category       job.Category    `json:"category"`
	Recipient      string          `json:"recipient"`
	Subject        string          `json:"subject"`
	TemplateID     string          `json:"template_id"`
	Data           json.RawMessage `json:"data"`
	UserID         string          `json:"user_id,omitempty"`
	AlertID        string          `json:"alert_id,omitempty"`
	Priority       job.Priority    `json:"priority,omitempty"`
	DelaySeconds   int             `json:"delay_seconds,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// SubmitResponse is returned for an accepted notification.
type SubmitResponse struct {
	JobID id.JobID `json:"job_id"`
}

// BulkRequest is the body of POST /v1/notifications/bulk.
type BulkRequest struct {
	Notifications []SubmitRequest `json:"notifications"`
}

// BulkResult is the per-element answer of a bulk submission.
type BulkResult struct {
	JobID *id.JobID      `json:"job_id,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// BulkResponse lists results in request order.
type BulkResponse struct {
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Results  []BulkResult `json:"results"`
}

// toRequest turns the wire form into a gate request. Payload decoding
// errors are reported as invalid content.
func (s SubmitRequest) toRequest() (submit.Request, error) {
	req := submit.Request{
		Category:    s.Category,
		Recipient:   s.Recipient,
		Subject:     s.Subject,
		TemplateID:  s.TemplateID,
		UserID:      s.UserID,
		AlertID:     s.AlertID,
		Priority:    s.Priority,
		Delay:       time.Duration(s.DelaySeconds) * time.Second,
		MaxAttempts: s.MaxAttempts,
		Timeout:     time.Duration(s.TimeoutSeconds) * time.Second,
	}
	if !s.Category.Valid() {
		return req, herald.InvalidContent("category", fmt.Sprintf("unknown category %q", s.Category))
	}
	if len(s.Data) > 0 && string(s.Data) != "null" {
		data, err := job.DecodePayload(s.Category, s.Data)
		if err != nil {
			return req, herald.InvalidContent("data", err.Error())
		}
		req.Data = data
	}
	return req, nil
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if !decodeJSON(w, r, a.maxBytes, &body) {
		return
	}
	req, err := body.toRequest()
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	jobID, err := a.eng.Submit(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID})
}

func (a *API) submitBulk(w http.ResponseWriter, r *http.Request) {
	var body BulkRequest
	if !decodeJSON(w, r, a.maxBytes*int64(max(a.maxBulk, 1)), &body) {
		return
	}
	switch n := len(body.Notifications); {
	case n == 0:
		writeError(w, http.StatusBadRequest, "invalid_input", "notifications must not be empty")
		return
	case a.maxBulk > 0 && n > a.maxBulk:
		writeError(w, http.StatusRequestEntityTooLarge, "too_many_notifications",
			fmt.Sprintf("at most %d notifications per request", a.maxBulk))
		return
	}

	resp := BulkResponse{Results: make([]BulkResult, len(body.Notifications))}
	reqs := make([]submit.Request, 0, len(body.Notifications))
	index := make([]int, 0, len(body.Notifications))
	for i, n := range body.Notifications {
		req, err := n.toRequest()
		if err != nil {
			resp.Results[i].Error = bulkError(err)
			continue
		}
		reqs = append(reqs, req)
		index = append(index, i)
	}

	if len(reqs) > 0 {
		results, err := a.eng.SubmitBulk(r.Context(), reqs)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		for k, res := range results {
			i := index[k]
			if res.Err != nil {
				resp.Results[i].Error = bulkError(res.Err)
				continue
			}
			jobID := res.JobID
			resp.Results[i].JobID = &jobID
		}
	}

	for _, res := range resp.Results {
		if res.Error != nil {
			resp.Rejected++
		} else {
			resp.Accepted++
		}
	}
	status := http.StatusAccepted
	if resp.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func bulkError(err error) *ErrorResponse {
	var ve *herald.ValidationError
	var rle *herald.RateLimitError
	switch {
	case errors.As(err, &ve):
		return &ErrorResponse{Code: errorCode(err), Message: ve.Reason, Field: ve.Field}
	case errors.As(err, &rle):
		return &ErrorResponse{Code: "rate_limited", Message: err.Error()}
	}
	return &ErrorResponse{Code: "internal_error", Message: "internal error"}
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Job(r.Context(), jobID)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) getOutcome(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	rec, err := a.eng.Outcome(r.Context(), jobID)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) listOutcomes(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	status := outcome.Status(r.URL.Query().Get("status"))
	switch status {
	case "", outcome.StatusSent, outcome.StatusFailed, outcome.StatusSkipped:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("unknown status %q", status))
		return
	}

	recs, err := a.eng.Outcomes(r.Context(), outcome.ListOpts{
		Status:    status,
		Recipient: compliance.Normalize(r.URL.Query().Get("recipient")),
		Limit:     min(max(limit, 1), 500),
		Offset:    offset,
	})
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*outcome.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func parseJobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id", fmt.Sprintf("invalid job ID: %v", err))
		return id.JobID{}, false
	}
	return jobID, true
}
