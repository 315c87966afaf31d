package compliance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/store/memory"
)

func newGate() *compliance.Gate {
	return compliance.NewGate(memory.New())
}

func TestCheck_NoRecordAllows(t *testing.T) {
	v, err := newGate().Check(context.Background(), "new@example.com", job.CategoryAlert)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Allowed {
		t.Errorf("verdict = %+v, want allowed", v)
	}
}

func TestOptOut_Global(t *testing.T) {
	g := newGate()
	ctx := context.Background()

	if _, err := g.OptOut(ctx, "Jo@Example.com "); err != nil {
		t.Fatal(err)
	}
	for _, c := range job.Categories() {
		v, err := g.Check(ctx, "jo@example.com", c)
		if err != nil {
			t.Fatal(err)
		}
		if v.Allowed || v.Reason != compliance.ReasonGlobalOptOut {
			t.Errorf("category %s: verdict %+v, want global block", c, v)
		}
	}
}

func TestOptOut_CategoryOnly(t *testing.T) {
	g := newGate()
	ctx := context.Background()

	if _, err := g.OptOut(ctx, "jo@example.com", job.CategoryDigest); err != nil {
		t.Fatal(err)
	}
	v, _ := g.Check(ctx, "jo@example.com", job.CategoryDigest)
	if v.Allowed || v.Reason != compliance.ReasonCategoryOptOut {
		t.Errorf("digest verdict %+v, want category block", v)
	}
	v, _ = g.Check(ctx, "jo@example.com", job.CategoryAlert)
	if !v.Allowed {
		t.Errorf("alert verdict %+v, want allowed", v)
	}
}

func TestOptIn(t *testing.T) {
	g := newGate()
	ctx := context.Background()

	_, _ = g.OptOut(ctx, "jo@example.com", job.CategoryDigest, job.CategoryAlert)
	rec, err := g.OptIn(ctx, "jo@example.com", job.CategoryDigest)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.OptedOutCategories) != 1 || rec.OptedOutCategories[0] != job.CategoryAlert {
		t.Errorf("categories = %v, want [alert]", rec.OptedOutCategories)
	}

	_, _ = g.OptOut(ctx, "jo@example.com")
	rec, _ = g.OptIn(ctx, "jo@example.com")
	if rec.GlobalOptOut || len(rec.OptedOutCategories) != 0 {
		t.Errorf("full opt-in left %+v", rec)
	}
	if v, _ := g.Check(ctx, "jo@example.com", job.CategoryAlert); !v.Allowed {
		t.Error("recipient still blocked after full opt-in")
	}
}

func TestOptOut_RejectsUnknownCategory(t *testing.T) {
	_, err := newGate().OptOut(context.Background(), "jo@example.com", job.Category("sms"))
	if !errors.Is(err, herald.ErrInvalidContent) {
		t.Errorf("err = %v, want ErrInvalidContent", err)
	}
}

type failingStore struct{}

func (failingStore) GetComplianceRecord(context.Context, string) (*compliance.Record, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) SaveComplianceRecord(context.Context, *compliance.Record) error {
	return errors.New("connection refused")
}

func (failingStore) UpdateComplianceRecord(context.Context, string, func(*compliance.Record) error) (*compliance.Record, error) {
	return nil, errors.New("connection refused")
}

func TestCheck_LookupErrorSurfaces(t *testing.T) {
	g := compliance.NewGate(failingStore{})
	if _, err := g.Check(context.Background(), "jo@example.com", job.CategoryAlert); err == nil {
		t.Fatal("expected lookup error")
	}
}

// slowStore widens the window between reading and writing a record, as a
// network round trip would.
type slowStore struct {
	compliance.Store
	delay time.Duration
}

func (s slowStore) GetComplianceRecord(ctx context.Context, recipient string) (*compliance.Record, error) {
	time.Sleep(s.delay)
	return s.Store.GetComplianceRecord(ctx, recipient)
}

func (s slowStore) UpdateComplianceRecord(ctx context.Context, recipient string, fn func(*compliance.Record) error) (*compliance.Record, error) {
	return s.Store.UpdateComplianceRecord(ctx, recipient, func(r *compliance.Record) error {
		time.Sleep(s.delay)
		return fn(r)
	})
}

func TestOptOut_ConcurrentUpdatesKeepEveryCategory(t *testing.T) {
	g := compliance.NewGate(slowStore{Store: memory.New(), delay: 5 * time.Millisecond})
	ctx := context.Background()

	cats := []job.Category{job.CategoryAlert, job.CategoryDigest, job.CategoryTransactional}
	var wg sync.WaitGroup
	for _, c := range cats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.OptOut(ctx, "sam@example.com", c); err != nil {
				t.Errorf("OptOut(%s): %v", c, err)
			}
		}()
	}
	wg.Wait()

	rec, err := g.Record(ctx, "sam@example.com")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cats {
		if !rec.Blocks(c) {
			t.Errorf("category %s lost; record = %+v", c, rec)
		}
	}
	if rec.GlobalOptOut {
		t.Error("category opt-outs set the global flag")
	}
}

func TestOptIn_ConcurrentWithOptOut(t *testing.T) {
	g := compliance.NewGate(slowStore{Store: memory.New(), delay: 2 * time.Millisecond})
	ctx := context.Background()

	if _, err := g.OptOut(ctx, "sam@example.com", job.CategoryAlert, job.CategoryDigest); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := g.OptIn(ctx, "sam@example.com", job.CategoryAlert); err != nil {
			t.Errorf("OptIn: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := g.OptOut(ctx, "sam@example.com", job.CategoryTransactional); err != nil {
			t.Errorf("OptOut: %v", err)
		}
	}()
	wg.Wait()

	rec, _ := g.Record(ctx, "sam@example.com")
	if rec.Blocks(job.CategoryAlert) || !rec.Blocks(job.CategoryDigest) || !rec.Blocks(job.CategoryTransactional) {
		t.Errorf("record = %+v, want digest and transactional blocked", rec)
	}
}
