package memory

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/herald/job"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestClaimedCopyIsDetached(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.EnqueueJob(ctx, storetest.NewJob(job.PriorityNormal))
	jobs, err := s.ClaimJobs(ctx, job.ClaimOpts{Limit: 1, Now: storetest.T0, Lease: time.Minute})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimJobs = %d, %v", len(jobs), err)
	}
	j := jobs[0]
	j.Subject = "mutated"
	*j.LeaseUntil = storetest.T0.Add(time.Hour)

	got, _ := s.GetJob(ctx, j.ID)
	if got.Subject == "mutated" || got.LeaseUntil.Equal(storetest.T0.Add(time.Hour)) {
		t.Error("caller mutation leaked into the store")
	}
}
