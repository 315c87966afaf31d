package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/outcome"
)

// AppendOutcome stores r unless the job already has an outcome.
func (m *Store) AppendOutcome(_ context.Context, r *outcome.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.JobID.String()
	if _, exists := m.outcomes[key]; exists {
		return herald.ErrOutcomeExists
	}
	cp := *r
	m.outcomes[key] = &cp
	m.outcomeOrder = append(m.outcomeOrder, &cp)
	return nil
}

// GetOutcome returns the outcome of a job.
func (m *Store) GetOutcome(_ context.Context, jobID id.JobID) (*outcome.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.outcomes[jobID.String()]
	if !ok {
		return nil, herald.ErrOutcomeNotFound
	}
	cp := *r
	return &cp, nil
}

// ListOutcomes returns outcomes newest first.
func (m *Store) ListOutcomes(_ context.Context, opts outcome.ListOpts) ([]*outcome.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*outcome.Record, 0, len(m.outcomeOrder))
	for i := len(m.outcomeOrder) - 1; i >= 0; i-- {
		r := m.outcomeOrder[i]
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Recipient != "" && r.Recipient != opts.Recipient {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

// GetComplianceRecord returns a recipient's opt-out record.
func (m *Store) GetComplianceRecord(_ context.Context, recipient string) (*compliance.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.compliance[recipient]
	if !ok {
		return nil, herald.ErrComplianceNotFound
	}
	cp := *r
	cp.OptedOutCategories = append(cp.OptedOutCategories[:0:0], r.OptedOutCategories...)
	return &cp, nil
}

// SaveComplianceRecord inserts or replaces a record.
func (m *Store) SaveComplianceRecord(_ context.Context, r *compliance.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	cp.OptedOutCategories = append(cp.OptedOutCategories[:0:0], r.OptedOutCategories...)
	m.compliance[r.Recipient] = &cp
	return nil
}

// UpdateComplianceRecord applies fn to a copy of the record under the store
// lock and keeps the copy only when fn succeeds.
func (m *Store) UpdateComplianceRecord(_ context.Context, recipient string, fn func(*compliance.Record) error) (*compliance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := compliance.Record{Recipient: recipient}
	if r, ok := m.compliance[recipient]; ok {
		cp = *r
		cp.OptedOutCategories = append(cp.OptedOutCategories[:0:0], r.OptedOutCategories...)
	}
	if err := fn(&cp); err != nil {
		return nil, err
	}
	stored := cp
	stored.OptedOutCategories = append(cp.OptedOutCategories[:0:0], cp.OptedOutCategories...)
	m.compliance[recipient] = &stored
	return &cp, nil
}

// SaveInvoice inserts or replaces an invoice.
func (m *Store) SaveInvoice(_ context.Context, inv *dunning.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *inv
	m.invoices[inv.ID.String()] = &cp
	return nil
}

// GetInvoice returns an invoice by ID.
func (m *Store) GetInvoice(_ context.Context, invoiceID id.InvoiceID) (*dunning.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[invoiceID.String()]
	if !ok {
		return nil, herald.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

// DueInvoices returns open invoices whose next attempt is at or before now,
// earliest first.
func (m *Store) DueInvoices(_ context.Context, now time.Time, limit int) ([]*dunning.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dunning.Invoice, 0)
	for _, inv := range m.invoices {
		if inv.State != dunning.StateOpen || inv.NextAttemptAt.After(now) {
			continue
		}
		cp := *inv
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].NextAttemptAt.Before(result[k].NextAttemptAt) })
	return paginate(result, 0, limit), nil
}
