// Package storetest is a conformance suite for store.Store backends. Each
// backend runs it from its own tests:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return memory.New() })
//	}
//
// Factories must return an empty store per call.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
	"github.com/xraph/herald/store"
)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) store.Store

// T0 is the reference time of every case.
var T0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

// Run executes every conformance case against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"ClaimPriorityThenFIFO", testClaimPriorityThenFIFO},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaims},
		{"DelayedNotReadyUntilRunAt", testDelayedNotReady},
		{"RequeueAndFinalizeRequireToken", testRequeueFinalize},
		{"RecoverStalledJobs", testRecoverStalled},
		{"EnqueueJobsAllOrNothing", testEnqueueAllOrNothing},
		{"DrainJobs", testDrain},
		{"DrainJobsTakesDueRetries", testDrainDueRetries},
		{"PayloadSurvivesStorage", testPayloadRoundTrip},
		{"OutcomesAppendOnce", testOutcomes},
		{"ComplianceRecords", testCompliance},
		{"ComplianceUpdateAtomic", testComplianceUpdate},
		{"ConcurrentComplianceUpdates", testConcurrentComplianceUpdates},
		{"DueInvoices", testInvoices},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, newStore(t))
		})
	}
}

// NewJob returns a pending alert job ready at T0.
func NewJob(p job.Priority) *job.Job {
	return &job.Job{
		ID:         id.NewJobID(),
		Category:   job.CategoryAlert,
		Recipient:  "jo@example.com",
		Subject:    "New jobs",
		TemplateID: "alert",
		Data: &job.AlertData{
			AlertID:     "al-1",
			SearchQuery: "go berlin",
			Listings:    []job.Listing{{ID: "l-1", Title: "Go Engineer", Company: "Acme", URL: "https://jobs.example.com/1"}},
		},
		Priority:    p,
		Score:       p.Score(),
		MaxAttempts: 3,
		State:       job.StatePending,
		RunAt:       T0,
		CreatedAt:   T0,
	}
}

func claim(t *testing.T, s store.Store, limit int, now time.Time) []*job.Job {
	t.Helper()
	jobs, err := s.ClaimJobs(context.Background(), job.ClaimOpts{
		Limit:    limit,
		WorkerID: id.NewWorkerID(),
		Now:      now,
		Lease:    30 * time.Second,
	})
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	return jobs
}

func enqueue(t *testing.T, s store.Store, jobs ...*job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.EnqueueJob(context.Background(), j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
}

func testClaimPriorityThenFIFO(t *testing.T, s store.Store) {
	low := NewJob(job.PriorityLow)
	critical := NewJob(job.PriorityCritical)
	normalA := NewJob(job.PriorityNormal)
	normalB := NewJob(job.PriorityNormal)
	enqueue(t, s, low, critical, normalA, normalB)

	want := []id.JobID{critical.ID, normalA.ID, normalB.ID, low.ID}
	for i, w := range want {
		got := claim(t, s, 1, T0)
		if len(got) != 1 {
			t.Fatalf("claim %d returned %d jobs", i, len(got))
		}
		if got[0].ID.String() != w.String() {
			t.Errorf("claim %d = %s (%s), want %s", i, got[0].ID, got[0].Priority, w)
		}
		if got[0].State != job.StateActive || got[0].ClaimToken == "" {
			t.Errorf("claimed job state=%s token=%q", got[0].State, got[0].ClaimToken)
		}
	}
	if got := claim(t, s, 1, T0); len(got) != 0 {
		t.Errorf("queue should be empty, claimed %d", len(got))
	}
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	const jobs = 100
	for range jobs {
		enqueue(t, s, NewJob(job.PriorityNormal))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.ClaimJobs(ctx, job.ClaimOpts{Limit: 3, WorkerID: id.NewWorkerID(), Now: T0, Lease: time.Minute})
				if err != nil {
					t.Error(err)
					return
				}
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, j := range got {
					claimed[j.ID.String()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for jobID, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

func testDelayedNotReady(t *testing.T, s store.Store) {
	j := NewJob(job.PriorityHigh)
	j.State = job.StateDelayed
	j.RunAt = T0.Add(time.Minute)
	enqueue(t, s, j)

	if got := claim(t, s, 10, T0); len(got) != 0 {
		t.Fatalf("claimed delayed job early")
	}
	counts, _ := s.CountJobs(context.Background(), T0)
	if counts.Delayed != 1 || counts.Waiting != 0 {
		t.Errorf("counts before RunAt = %+v", counts)
	}
	counts, _ = s.CountJobs(context.Background(), T0.Add(time.Minute))
	if counts.Delayed != 0 || counts.Waiting != 1 {
		t.Errorf("counts at RunAt = %+v", counts)
	}
	if got := claim(t, s, 10, T0.Add(time.Minute)); len(got) != 1 {
		t.Fatalf("due delayed job not claimed")
	}
}

func testRequeueFinalize(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, NewJob(job.PriorityNormal))
	j := claim(t, s, 1, T0)[0]

	err := s.RequeueJob(ctx, j.ID, "stale", job.Requeue{RunAt: T0.Add(time.Second), Attempts: 1})
	if !errors.Is(err, herald.ErrLeaseLost) {
		t.Fatalf("requeue with stale token = %v, want ErrLeaseLost", err)
	}

	if err := s.RequeueJob(ctx, j.ID, j.ClaimToken, job.Requeue{RunAt: T0.Add(time.Second), Attempts: 1, LastError: "503"}); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateDelayed || got.Attempts != 1 || got.LastError != "503" {
		t.Errorf("after requeue: state=%s attempts=%d err=%q", got.State, got.Attempts, got.LastError)
	}

	// The old token is void after requeue.
	err = s.FinalizeJob(ctx, j.ID, j.ClaimToken, job.Result{State: job.StateCompleted, Attempts: 2})
	if !errors.Is(err, herald.ErrLeaseLost) {
		t.Fatalf("finalize with requeued token = %v, want ErrLeaseLost", err)
	}

	again := claim(t, s, 1, T0.Add(time.Second))
	if len(again) != 1 {
		t.Fatalf("requeued job not claimable at its run_at")
	}
	if err := s.FinalizeJob(ctx, again[0].ID, again[0].ClaimToken, job.Result{State: job.StateCompleted, Attempts: 2, FinishedAt: T0.Add(2 * time.Second)}); err != nil {
		t.Fatalf("FinalizeJob: %v", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.State != job.StateCompleted || got.FinishedAt == nil || got.Attempts != 2 {
		t.Errorf("after finalize: state=%s attempts=%d finished=%v", got.State, got.Attempts, got.FinishedAt)
	}
	counts, _ := s.CountJobs(ctx, T0.Add(time.Minute))
	if counts.Completed != 1 || counts.Active != 0 {
		t.Errorf("counts after finalize = %+v", counts)
	}

	if err := s.FinalizeJob(ctx, j.ID, again[0].ClaimToken, job.Result{State: job.StatePending}); !errors.Is(err, herald.ErrInvalidState) {
		t.Errorf("finalize to pending = %v, want ErrInvalidState", err)
	}
	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, herald.ErrJobNotFound) {
		t.Errorf("GetJob(unknown) = %v, want ErrJobNotFound", err)
	}
}

func testRecoverStalled(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, NewJob(job.PriorityNormal))
	j := claim(t, s, 1, T0)[0]

	if got, _ := s.RecoverStalledJobs(ctx, T0.Add(10*time.Second)); len(got) != 0 {
		t.Fatalf("recovered a live lease")
	}
	if err := s.HeartbeatJob(ctx, j.ID, j.ClaimToken, T0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.HeartbeatJob(ctx, j.ID, "stale", T0.Add(time.Hour)); !errors.Is(err, herald.ErrLeaseLost) {
		t.Fatalf("heartbeat with stale token = %v, want ErrLeaseLost", err)
	}
	if got, _ := s.RecoverStalledJobs(ctx, T0.Add(45*time.Second)); len(got) != 0 {
		t.Fatalf("recovered a lease extended by heartbeat")
	}

	got, err := s.RecoverStalledJobs(ctx, T0.Add(2*time.Minute))
	if err != nil || len(got) != 1 {
		t.Fatalf("RecoverStalledJobs = %d, %v", len(got), err)
	}
	if got[0].State != job.StatePending || got[0].ClaimToken != "" || got[0].Attempts != 0 {
		t.Errorf("recovered job state=%s token=%q attempts=%d", got[0].State, got[0].ClaimToken, got[0].Attempts)
	}

	// The crashed worker can no longer finalize.
	err = s.FinalizeJob(ctx, j.ID, j.ClaimToken, job.Result{State: job.StateCompleted, Attempts: 1})
	if !errors.Is(err, herald.ErrLeaseLost) {
		t.Errorf("finalize after recovery = %v, want ErrLeaseLost", err)
	}
	if re := claim(t, s, 1, T0.Add(2*time.Minute)); len(re) != 1 {
		t.Error("recovered job not claimable")
	}
}

func testEnqueueAllOrNothing(t *testing.T, s store.Store) {
	ctx := context.Background()
	existing := NewJob(job.PriorityNormal)
	enqueue(t, s, existing)

	batch := []*job.Job{NewJob(job.PriorityLow), existing, NewJob(job.PriorityHigh)}
	if err := s.EnqueueJobs(ctx, batch); !errors.Is(err, herald.ErrJobAlreadyExists) {
		t.Fatalf("EnqueueJobs = %v, want ErrJobAlreadyExists", err)
	}
	all, _ := s.ListJobs(ctx, job.ListOpts{})
	if len(all) != 1 {
		t.Errorf("partial batch persisted: %d jobs", len(all))
	}

	ok := []*job.Job{NewJob(job.PriorityLow), NewJob(job.PriorityHigh)}
	if err := s.EnqueueJobs(ctx, ok); err != nil {
		t.Fatalf("EnqueueJobs: %v", err)
	}
	all, _ = s.ListJobs(ctx, job.ListOpts{})
	if len(all) != 3 || all[0].Seq >= all[1].Seq || all[1].Seq >= all[2].Seq {
		t.Errorf("list after batch: %d jobs, not ordered by seq", len(all))
	}
	pending, _ := s.ListJobs(ctx, job.ListOpts{State: job.StatePending, Limit: 2})
	if len(pending) != 2 {
		t.Errorf("pending page = %d, want 2", len(pending))
	}
}

func testDrain(t *testing.T, s store.Store) {
	ctx := context.Background()
	for range 3 {
		enqueue(t, s, NewJob(job.PriorityNormal))
	}
	delayed := NewJob(job.PriorityNormal)
	delayed.State = job.StateDelayed
	delayed.RunAt = T0.Add(time.Hour)
	enqueue(t, s, delayed)
	active := claim(t, s, 1, T0)

	n, err := s.DrainJobs(ctx, T0, false)
	if err != nil || n != 2 {
		t.Fatalf("DrainJobs(false) = %d, %v; want 2", n, err)
	}
	counts, _ := s.CountJobs(ctx, T0)
	if counts.Waiting != 0 || counts.Delayed != 1 || counts.Active != 1 {
		t.Errorf("counts after drain = %+v", counts)
	}

	n, _ = s.DrainJobs(ctx, T0, true)
	if n != 1 {
		t.Errorf("DrainJobs(true) = %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, active[0].ID); err != nil {
		t.Errorf("drain removed the active job: %v", err)
	}
}

func testDrainDueRetries(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := T0.Add(time.Minute)
	enqueue(t, s, NewJob(job.PriorityNormal), NewJob(job.PriorityNormal))
	claimed := claim(t, s, 2, T0)
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}

	due, later := claimed[0], claimed[1]
	for _, r := range []struct {
		j     *job.Job
		runAt time.Time
	}{
		{due, now.Add(-time.Millisecond)},
		{later, now.Add(time.Hour)},
	} {
		err := s.RequeueJob(ctx, r.j.ID, r.j.ClaimToken, job.Requeue{RunAt: r.runAt, Attempts: 1, LastError: "timeout"})
		if err != nil {
			t.Fatalf("RequeueJob: %v", err)
		}
	}

	counts, _ := s.CountJobs(ctx, now)
	if counts.Waiting != 1 || counts.Delayed != 1 {
		t.Fatalf("counts before drain = %+v", counts)
	}

	n, err := s.DrainJobs(ctx, now, false)
	if err != nil || n != 1 {
		t.Fatalf("DrainJobs(false) = %d, %v; want 1", n, err)
	}
	counts, _ = s.CountJobs(ctx, now)
	if counts.Waiting != 0 || counts.Delayed != 1 {
		t.Errorf("counts after drain = %+v, want no waiting jobs", counts)
	}
	if _, err := s.GetJob(ctx, due.ID); !errors.Is(err, herald.ErrJobNotFound) {
		t.Errorf("due retry survived drain: %v", err)
	}
	if _, err := s.GetJob(ctx, later.ID); err != nil {
		t.Errorf("future retry drained: %v", err)
	}
}

func testPayloadRoundTrip(t *testing.T, s store.Store) {
	j := NewJob(job.PriorityHigh)
	j.Category = job.CategoryVerification
	j.Data = &job.VerificationData{VerifyURL: "https://jobs.example.com/verify?t=1", Code: "123456"}
	j.UserID = "u-1"
	j.Timeout = 5 * time.Second
	enqueue(t, s, j)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	data, ok := got.Data.(*job.VerificationData)
	if !ok || data.Code != "123456" || data.VerifyURL != "https://jobs.example.com/verify?t=1" {
		t.Errorf("payload = %#v", got.Data)
	}
	if got.UserID != "u-1" || got.Timeout != 5*time.Second || got.Score != job.PriorityHigh.Score() {
		t.Errorf("job = %+v", got)
	}
}

func testOutcomes(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := &outcome.Record{
		ID: id.NewOutcomeID(), JobID: id.NewJobID(), Recipient: "a@example.com",
		Category: job.CategoryAlert, Status: outcome.StatusSent, ProviderMessageID: "pm-1",
		Attempts: 1, Duration: time.Second, RecordedAt: T0,
	}
	second := &outcome.Record{
		ID: id.NewOutcomeID(), JobID: id.NewJobID(), Recipient: "b@example.com",
		Category: job.CategoryDigest, Status: outcome.StatusFailed, Error: "550 mailbox unavailable",
		Attempts: 3, RecordedAt: T0.Add(time.Minute),
	}
	for _, r := range []*outcome.Record{first, second} {
		if err := s.AppendOutcome(ctx, r); err != nil {
			t.Fatalf("AppendOutcome: %v", err)
		}
	}

	dup := *first
	dup.ID = id.NewOutcomeID()
	if err := s.AppendOutcome(ctx, &dup); !errors.Is(err, herald.ErrOutcomeExists) {
		t.Fatalf("duplicate outcome = %v, want ErrOutcomeExists", err)
	}

	got, err := s.GetOutcome(ctx, first.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID.String() != first.ID.String() || got.ProviderMessageID != "pm-1" || got.Duration != time.Second {
		t.Errorf("outcome = %+v", got)
	}
	if _, err := s.GetOutcome(ctx, id.NewJobID()); !errors.Is(err, herald.ErrOutcomeNotFound) {
		t.Errorf("GetOutcome(unknown) = %v", err)
	}

	all, _ := s.ListOutcomes(ctx, outcome.ListOpts{})
	if len(all) != 2 || all[0].JobID.String() != second.JobID.String() {
		t.Errorf("outcomes not newest first: %d", len(all))
	}
	failed, _ := s.ListOutcomes(ctx, outcome.ListOpts{Status: outcome.StatusFailed})
	if len(failed) != 1 || failed[0].Error == "" {
		t.Errorf("failed filter = %d", len(failed))
	}
	byRecipient, _ := s.ListOutcomes(ctx, outcome.ListOpts{Recipient: "a@example.com"})
	if len(byRecipient) != 1 {
		t.Errorf("recipient filter = %d", len(byRecipient))
	}
}

func testCompliance(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetComplianceRecord(ctx, "x@example.com"); !errors.Is(err, herald.ErrComplianceNotFound) {
		t.Fatalf("GetComplianceRecord(unknown) = %v", err)
	}

	rec := &compliance.Record{
		Recipient:          "x@example.com",
		OptedOutCategories: []job.Category{job.CategoryDigest},
		UpdatedAt:          T0,
	}
	if err := s.SaveComplianceRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.GlobalOptOut = true
	if err := s.SaveComplianceRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetComplianceRecord(ctx, "x@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !got.GlobalOptOut || !got.Blocks(job.CategoryDigest) || len(got.OptedOutCategories) != 1 {
		t.Errorf("record = %+v", got)
	}
}

func testComplianceUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.UpdateComplianceRecord(ctx, "y@example.com", func(*compliance.Record) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateComplianceRecord err = %v, want boom", err)
	}
	if _, err := s.GetComplianceRecord(ctx, "y@example.com"); !errors.Is(err, herald.ErrComplianceNotFound) {
		t.Fatalf("failed update left a record: %v", err)
	}

	rec, err := s.UpdateComplianceRecord(ctx, "y@example.com", func(r *compliance.Record) error {
		if r.Recipient != "y@example.com" || r.GlobalOptOut || len(r.OptedOutCategories) != 0 {
			t.Errorf("new recipient starts from %+v", r)
		}
		r.OptedOutCategories = []job.Category{job.CategoryDigest}
		r.UpdatedAt = T0
		return nil
	})
	if err != nil || !rec.Blocks(job.CategoryDigest) {
		t.Fatalf("UpdateComplianceRecord = %+v, %v", rec, err)
	}

	_, err = s.UpdateComplianceRecord(ctx, "y@example.com", func(r *compliance.Record) error {
		if !r.Blocks(job.CategoryDigest) {
			t.Errorf("update saw %+v, want the previous write", r)
		}
		r.GlobalOptOut = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetComplianceRecord(ctx, "y@example.com")
	if got == nil || !got.GlobalOptOut || !got.Blocks(job.CategoryDigest) {
		t.Errorf("record = %+v", got)
	}
}

func testConcurrentComplianceUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()
	cats := job.Categories()

	var wg sync.WaitGroup
	for _, c := range cats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateComplianceRecord(ctx, "z@example.com", func(r *compliance.Record) error {
				time.Sleep(2 * time.Millisecond)
				r.OptedOutCategories = append(r.OptedOutCategories, c)
				r.UpdatedAt = T0
				return nil
			})
			if err != nil {
				t.Errorf("UpdateComplianceRecord(%s): %v", c, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetComplianceRecord(ctx, "z@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.OptedOutCategories) != len(cats) {
		t.Errorf("categories = %v, want all %d", got.OptedOutCategories, len(cats))
	}
}

func testInvoices(t *testing.T, s store.Store) {
	ctx := context.Background()
	newInvoice := func(next time.Time, state dunning.State) *dunning.Invoice {
		return &dunning.Invoice{
			ID: id.NewInvoiceID(), CustomerID: "cus_1", Email: "pay@example.com",
			AmountCents: 1000, Currency: "USD", State: state,
			NextAttemptAt: next, CreatedAt: T0, UpdatedAt: T0,
		}
	}
	later := newInvoice(T0.Add(time.Hour), dunning.StateOpen)
	due := newInvoice(T0, dunning.StateOpen)
	paid := newInvoice(T0, dunning.StatePaid)
	for _, inv := range []*dunning.Invoice{later, due, paid} {
		if err := s.SaveInvoice(ctx, inv); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.DueInvoices(ctx, T0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID.String() != due.ID.String() {
		t.Fatalf("due at T0 = %d invoices", len(got))
	}

	due.State = dunning.StatePaid
	if err := s.SaveInvoice(ctx, due); err != nil {
		t.Fatal(err)
	}
	got, _ = s.DueInvoices(ctx, T0.Add(2*time.Hour), 10)
	if len(got) != 1 || got[0].ID.String() != later.ID.String() {
		t.Errorf("due after payment = %d invoices", len(got))
	}

	back, err := s.GetInvoice(ctx, paid.ID)
	if err != nil || back.State != dunning.StatePaid || back.AmountCents != 1000 {
		t.Errorf("GetInvoice = %+v, %v", back, err)
	}
	if _, err := s.GetInvoice(ctx, id.NewInvoiceID()); !errors.Is(err, herald.ErrInvoiceNotFound) {
		t.Errorf("GetInvoice(unknown) = %v", err)
	}
}
