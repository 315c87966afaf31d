// Package compliance enforces recipient opt-outs. A recipient may opt out
// of everything or of individual categories. The gate is advisory at
// submission and binding at dispatch: every dispatch attempt looks the
// record up again, so an unsubscribe between retries takes effect.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/job"
)

// Record is the opt-out state of one recipient.
type Record struct {
	Recipient          string         `json:"recipient"`
	GlobalOptOut       bool           `json:"global_opt_out"`
	OptedOutCategories []job.Category `json:"opted_out_categories"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Blocks reports whether the record forbids mail of category c.
func (r *Record) Blocks(c job.Category) bool {
	if r == nil {
		return false
	}
	return r.GlobalOptOut || slices.Contains(r.OptedOutCategories, c)
}

// Store persists compliance records keyed by normalized recipient.
type Store interface {
	// GetComplianceRecord returns herald.ErrComplianceNotFound when the
	// recipient has never changed preferences.
	GetComplianceRecord(ctx context.Context, recipient string) (*Record, error)
	// SaveComplianceRecord inserts or replaces a record.
	SaveComplianceRecord(ctx context.Context, r *Record) error
	// UpdateComplianceRecord applies fn to the current record of recipient,
	// or to an empty record when none exists, and persists the result.
	// Updates for one recipient are serialized: fn always sees the record
	// written by the previous update. Nothing is written when fn fails.
	UpdateComplianceRecord(ctx context.Context, recipient string, fn func(*Record) error) (*Record, error)
}

// Verdict is the result of a Check.
type Verdict struct {
	Allowed bool
	// Reason names the rule that blocked delivery.
	Reason string
}

// Block reasons.
const (
	ReasonGlobalOptOut   = "global_opt_out"
	ReasonCategoryOptOut = "category_opt_out"
)

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate answers whether a recipient may receive a category of mail.
type Gate struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a Gate over store.
func NewGate(store Store, opts ...Option) *Gate {
	g := &Gate{store: store, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Normalize returns the canonical form of an address used as the record key.
func Normalize(recipient string) string {
	return strings.ToLower(strings.TrimSpace(recipient))
}

// Check looks up the recipient's record. A lookup failure is returned as
// an error; callers decide whether that blocks.
func (g *Gate) Check(ctx context.Context, recipient string, c job.Category) (Verdict, error) {
	rec, err := g.load(ctx, recipient)
	if err != nil {
		return Verdict{}, err
	}
	switch {
	case rec.GlobalOptOut:
		return Verdict{Reason: ReasonGlobalOptOut}, nil
	case rec.Blocks(c):
		return Verdict{Reason: ReasonCategoryOptOut}, nil
	}
	return Verdict{Allowed: true}, nil
}

// Record returns the recipient's preferences. Recipients with no record get
// an empty, allow-all record.
func (g *Gate) Record(ctx context.Context, recipient string) (*Record, error) {
	return g.load(ctx, recipient)
}

// OptOut blocks the given categories for recipient, or all mail when no
// category is given.
func (g *Gate) OptOut(ctx context.Context, recipient string, cats ...job.Category) (*Record, error) {
	if err := validCategories(cats); err != nil {
		return nil, err
	}
	return g.update(ctx, recipient, "opt-out", func(rec *Record) {
		if len(cats) == 0 {
			rec.GlobalOptOut = true
		}
		for _, c := range cats {
			if !slices.Contains(rec.OptedOutCategories, c) {
				rec.OptedOutCategories = append(rec.OptedOutCategories, c)
			}
		}
		slices.Sort(rec.OptedOutCategories)
	})
}

// OptIn lifts the given category blocks, or every block including the
// global one when no category is given.
func (g *Gate) OptIn(ctx context.Context, recipient string, cats ...job.Category) (*Record, error) {
	if err := validCategories(cats); err != nil {
		return nil, err
	}
	return g.update(ctx, recipient, "opt-in", func(rec *Record) {
		if len(cats) == 0 {
			rec.GlobalOptOut = false
			rec.OptedOutCategories = nil
			return
		}
		rec.OptedOutCategories = slices.DeleteFunc(rec.OptedOutCategories, func(c job.Category) bool {
			return slices.Contains(cats, c)
		})
	})
}

func (g *Gate) load(ctx context.Context, recipient string) (*Record, error) {
	key := Normalize(recipient)
	if key == "" {
		return nil, herald.InvalidRecipient("empty address")
	}
	rec, err := g.store.GetComplianceRecord(ctx, key)
	if errors.Is(err, herald.ErrComplianceNotFound) {
		return &Record{Recipient: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compliance: lookup %s: %w", key, err)
	}
	return rec, nil
}

// update applies change under the store's per-recipient serialization.
func (g *Gate) update(ctx context.Context, recipient, action string, change func(*Record)) (*Record, error) {
	key := Normalize(recipient)
	if key == "" {
		return nil, herald.InvalidRecipient("empty address")
	}
	rec, err := g.store.UpdateComplianceRecord(ctx, key, func(r *Record) error {
		r.Recipient = key
		change(r)
		r.UpdatedAt = g.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compliance: %s %s: %w", action, key, err)
	}
	g.logger.Info("compliance preferences updated",
		slog.String("recipient", rec.Recipient),
		slog.String("action", action),
		slog.Bool("global_opt_out", rec.GlobalOptOut),
		slog.Int("opted_out_categories", len(rec.OptedOutCategories)),
	)
	return rec, nil
}

func validCategories(cats []job.Category) error {
	for _, c := range cats {
		if !c.Valid() {
			return herald.InvalidContent("categories", fmt.Sprintf("unknown category %q", c))
		}
	}
	return nil
}
