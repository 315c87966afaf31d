package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/api"
	"github.com/xraph/herald/engine"
	"github.com/xraph/herald/id"
)

func newServer(t *testing.T, cfg herald.Config, opts ...api.Option) *httptest.Server {
	t.Helper()
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	srv := httptest.NewServer(api.New(eng, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() herald.Config {
	cfg := herald.DefaultConfig()
	cfg.SubmitRateLimit = herald.RateLimit{}
	return cfg
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw := new(bytes.Buffer)
	_, _ = raw.ReadFrom(resp.Body)
	if strings.HasPrefix(strings.TrimSpace(raw.String()), "{") {
		if err := json.Unmarshal(raw.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp, out
}

const verification = `{
	"category": "verification",
	"recipient": "Kim@Example.com",
	"subject": "Confirm your email",
	"template_id": "verification",
	"data": {"verify_url": "https://jobs.example.com/verify?t=abc"}
}`

func TestSubmit_AcceptedAndQueryable(t *testing.T) {
	srv := newServer(t, testConfig())

	resp, body := do(t, srv, http.MethodPost, "/v1/notifications", verification)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body = %v, want 202", resp.StatusCode, body)
	}
	jobID, _ := body["job_id"].(string)
	if !strings.HasPrefix(jobID, "job_") {
		t.Fatalf("job_id = %q", jobID)
	}

	resp, j := do(t, srv, http.MethodGet, "/v1/notifications/"+jobID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job status = %d", resp.StatusCode)
	}
	if j["state"] != "pending" || j["recipient"] != "kim@example.com" {
		t.Errorf("job = %v", j)
	}

	resp, _ = do(t, srv, http.MethodGet, "/v1/notifications/"+jobID+"/outcome", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("outcome status = %d, want 404 before delivery", resp.StatusCode)
	}
}

func TestSubmit_Errors(t *testing.T) {
	srv := newServer(t, testConfig())

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed json",
			body:       `{"category":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_json",
		},
		{
			name:       "unknown field",
			body:       `{"category":"verification","to":"kim@example.com"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_json",
		},
		{
			name:       "invalid recipient",
			body:       strings.Replace(verification, "Kim@Example.com", "kim.example.com", 1),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "invalid_recipient",
		},
		{
			name:       "unknown category",
			body:       strings.Replace(verification, `"verification",`, `"marketing",`, 1),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "invalid_content",
		},
		{
			name:       "payload of another category",
			body:       strings.Replace(verification, `"verify_url"`, `"reset_url"`, 1),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "invalid_content",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, "/v1/notifications", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d body = %v, want %d", resp.StatusCode, body, tt.wantStatus)
			}
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
		})
	}
}

func TestSubmit_RateLimitedWithRetryAfter(t *testing.T) {
	cfg := herald.DefaultConfig()
	cfg.SubmitRateLimit = herald.RateLimit{Limit: 1, Window: time.Minute}
	srv := newServer(t, cfg)

	if resp, _ := do(t, srv, http.MethodPost, "/v1/notifications", verification); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, body := do(t, srv, http.MethodPost, "/v1/notifications", verification)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if body["code"] != "rate_limited" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestSubmitBulk_PartialSuccess(t *testing.T) {
	srv := newServer(t, testConfig())
	bad := strings.Replace(verification, "Kim@Example.com", "nobody", 1)
	body := `{"notifications":[` + verification + `,` + bad + `,` + verification + `]}`

	resp, out := do(t, srv, http.MethodPost, "/v1/notifications/bulk", body)
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", resp.StatusCode)
	}
	if out["accepted"] != float64(2) || out["rejected"] != float64(1) {
		t.Errorf("counts = %v/%v", out["accepted"], out["rejected"])
	}
	results, _ := out["results"].([]any)
	if len(results) != 3 {
		t.Fatalf("results = %v", out["results"])
	}
	second, _ := results[1].(map[string]any)
	errBody, _ := second["error"].(map[string]any)
	if errBody["code"] != "invalid_recipient" || second["job_id"] != nil {
		t.Errorf("rejected element = %v", second)
	}
	first, _ := results[0].(map[string]any)
	if s, _ := first["job_id"].(string); !strings.HasPrefix(s, "job_") {
		t.Errorf("accepted element = %v", first)
	}

	resp, _ = do(t, srv, http.MethodPost, "/v1/notifications/bulk", `{"notifications":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty bulk status = %d, want 400", resp.StatusCode)
	}
}

func TestGetJob_BadAndUnknownIDs(t *testing.T) {
	srv := newServer(t, testConfig())

	if resp, _ := do(t, srv, http.MethodGet, "/v1/notifications/not-an-id", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
	unknown := id.NewJobID().String()
	if resp, _ := do(t, srv, http.MethodGet, "/v1/notifications/"+unknown, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", resp.StatusCode)
	}
}

func TestListOutcomes_Validation(t *testing.T) {
	srv := newServer(t, testConfig())

	resp, err := srv.Client().Get(srv.URL + "/v1/outcomes?status=sent&limit=10")
	if err != nil {
		t.Fatal(err)
	}
	var recs []any
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || recs == nil || len(recs) != 0 {
		t.Errorf("status = %d recs = %v, want 200 and []", resp.StatusCode, recs)
	}

	for _, q := range []string{"status=bounced", "limit=-1", "offset=x"} {
		if resp, _ := do(t, srv, http.MethodGet, "/v1/outcomes?"+q, ""); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestQueueControl(t *testing.T) {
	srv := newServer(t, testConfig())
	for range 2 {
		do(t, srv, http.MethodPost, "/v1/notifications", verification)
	}
	delayed := strings.Replace(verification, `"template_id"`, `"delay_seconds": 600, "template_id"`, 1)
	if resp, body := do(t, srv, http.MethodPost, "/v1/notifications", delayed); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("delayed submit status = %d body = %v", resp.StatusCode, body)
	}

	resp, out := do(t, srv, http.MethodPost, "/v1/queue/pause", "")
	if resp.StatusCode != http.StatusOK || out["paused"] != true {
		t.Fatalf("pause = %d %v", resp.StatusCode, out)
	}

	_, stats := do(t, srv, http.MethodGet, "/v1/stats", "")
	if stats["waiting"] != float64(2) || stats["delayed"] != float64(1) || stats["paused"] != true {
		t.Errorf("stats = %v", stats)
	}

	if resp, _ := do(t, srv, http.MethodPost, "/v1/queue/drain?delayed=maybe", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad drain flag status = %d, want 400", resp.StatusCode)
	}
	_, out = do(t, srv, http.MethodPost, "/v1/queue/drain?delayed=true", "")
	if out["drained"] != float64(3) || out["include_delayed"] != true {
		t.Errorf("drain = %v", out)
	}

	_, out = do(t, srv, http.MethodPost, "/v1/queue/resume", "")
	if out["paused"] != false {
		t.Errorf("resume = %v", out)
	}
}

func TestCompliance_OptOutAndIn(t *testing.T) {
	srv := newServer(t, testConfig())
	path := "/v1/compliance/Kim@Example.com"

	resp, rec := do(t, srv, http.MethodGet, path, "")
	if resp.StatusCode != http.StatusOK || rec["global_opt_out"] != false {
		t.Fatalf("initial record = %d %v", resp.StatusCode, rec)
	}

	resp, rec = do(t, srv, http.MethodPost, path+"/opt-out", `{"categories":["digest","alert"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("opt-out status = %d", resp.StatusCode)
	}
	cats, _ := rec["opted_out_categories"].([]any)
	if len(cats) != 2 || cats[0] != "alert" || rec["recipient"] != "kim@example.com" {
		t.Errorf("record = %v", rec)
	}

	resp, rec = do(t, srv, http.MethodPost, path+"/opt-out", `{"categories":["marketing"]}`)
	if resp.StatusCode != http.StatusUnprocessableEntity || rec["field"] != "categories" {
		t.Errorf("unknown category = %d %v", resp.StatusCode, rec)
	}

	resp, rec = do(t, srv, http.MethodPost, path+"/opt-in", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("opt-in status = %d", resp.StatusCode)
	}
	if cats, _ := rec["opted_out_categories"].([]any); len(cats) != 0 || rec["global_opt_out"] != false {
		t.Errorf("record after opt-in = %v", rec)
	}
}

func TestClientThrottle(t *testing.T) {
	srv := newServer(t, testConfig(), api.WithClientRate(0.001, 1))

	if resp, _ := do(t, srv, http.MethodGet, "/v1/stats", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, body := do(t, srv, http.MethodGet, "/v1/stats", "")
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != "rate_limited" {
		t.Fatalf("second status = %d body = %v, want 429", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	if resp, _ := do(t, srv, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz throttled: %d", resp.StatusCode)
	}
}
