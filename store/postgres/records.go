package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
)

// ── Outcomes ──

const outcomeColumns = `
	id, job_id, recipient, category, status, provider_message_id,
	attempts, error, duration, recorded_at`

// AppendOutcome inserts r. The unique job_id column rejects a second
// record for the same job.
func (s *Store) AppendOutcome(ctx context.Context, r *outcome.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO herald_outcomes (`+outcomeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID.String(), r.JobID.String(), r.Recipient, string(r.Category), string(r.Status),
		r.ProviderMessageID, r.Attempts, r.Error, r.Duration.Nanoseconds(), r.RecordedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return herald.ErrOutcomeExists
		}
		return fmt.Errorf("herald/postgres: append outcome: %w", err)
	}
	return nil
}

// GetOutcome returns the outcome of a job.
func (s *Store) GetOutcome(ctx context.Context, jobID id.JobID) (*outcome.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+outcomeColumns+` FROM herald_outcomes WHERE job_id = $1`, jobID.String())
	r, err := scanOutcome(row)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrOutcomeNotFound
		}
		return nil, fmt.Errorf("herald/postgres: get outcome: %w", err)
	}
	return r, nil
}

// ListOutcomes returns outcomes newest first.
func (s *Store) ListOutcomes(ctx context.Context, opts outcome.ListOpts) ([]*outcome.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+outcomeColumns+`
		FROM herald_outcomes
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR recipient = $2)
		ORDER BY recorded_at DESC, id DESC
		LIMIT $3 OFFSET $4`,
		string(opts.Status), opts.Recipient, limitArg(opts.Limit), opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: list outcomes: %w", err)
	}
	defer rows.Close()

	result := make([]*outcome.Record, 0)
	for rows.Next() {
		r, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("herald/postgres: scan outcome row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("herald/postgres: iterate outcome rows: %w", err)
	}
	return result, nil
}

func scanOutcome(row pgx.Row) (*outcome.Record, error) {
	var (
		r                               outcome.Record
		idStr, jobStr, category, status string
		durationNs                      int64
	)
	err := row.Scan(&idStr, &jobStr, &r.Recipient, &category, &status, &r.ProviderMessageID,
		&r.Attempts, &r.Error, &durationNs, &r.RecordedAt)
	if err != nil {
		return nil, err
	}
	if r.ID, err = id.ParseOutcomeID(idStr); err != nil {
		return nil, fmt.Errorf("herald/postgres: parse outcome id %q: %w", idStr, err)
	}
	if r.JobID, err = id.ParseJobID(jobStr); err != nil {
		return nil, fmt.Errorf("herald/postgres: parse job id %q: %w", jobStr, err)
	}
	r.Category = job.Category(category)
	r.Status = outcome.Status(status)
	r.Duration = time.Duration(durationNs)
	r.RecordedAt = r.RecordedAt.UTC()
	return &r, nil
}

// ── Compliance ──

// GetComplianceRecord returns the opt-out state of a recipient.
func (s *Store) GetComplianceRecord(ctx context.Context, recipient string) (*compliance.Record, error) {
	var (
		r    compliance.Record
		cats []string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT recipient, global_opt_out, opted_out_categories, updated_at
		FROM herald_compliance WHERE recipient = $1`,
		recipient,
	).Scan(&r.Recipient, &r.GlobalOptOut, &cats, &r.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrComplianceNotFound
		}
		return nil, fmt.Errorf("herald/postgres: get compliance record: %w", err)
	}
	for _, c := range cats {
		r.OptedOutCategories = append(r.OptedOutCategories, job.Category(c))
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// SaveComplianceRecord inserts or replaces a record.
func (s *Store) SaveComplianceRecord(ctx context.Context, r *compliance.Record) error {
	cats := make([]string, 0, len(r.OptedOutCategories))
	for _, c := range r.OptedOutCategories {
		cats = append(cats, string(c))
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO herald_compliance (recipient, global_opt_out, opted_out_categories, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recipient) DO UPDATE SET
			global_opt_out = EXCLUDED.global_opt_out,
			opted_out_categories = EXCLUDED.opted_out_categories,
			updated_at = EXCLUDED.updated_at`,
		r.Recipient, r.GlobalOptOut, cats, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: save compliance record: %w", err)
	}
	return nil
}

// UpdateComplianceRecord locks the recipient's row for the duration of fn.
// A placeholder row is inserted first so that two updates of a new
// recipient also serialize on the row lock.
func (s *Store) UpdateComplianceRecord(ctx context.Context, recipient string, fn func(*compliance.Record) error) (*compliance.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: begin compliance update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO herald_compliance (recipient, global_opt_out, opted_out_categories, updated_at)
		VALUES ($1, FALSE, '{}', now())
		ON CONFLICT (recipient) DO NOTHING`,
		recipient,
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: seed compliance record: %w", err)
	}

	var (
		r    compliance.Record
		cats []string
	)
	err = tx.QueryRow(ctx, `
		SELECT recipient, global_opt_out, opted_out_categories, updated_at
		FROM herald_compliance WHERE recipient = $1
		FOR UPDATE`,
		recipient,
	).Scan(&r.Recipient, &r.GlobalOptOut, &cats, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: lock compliance record: %w", err)
	}
	for _, c := range cats {
		r.OptedOutCategories = append(r.OptedOutCategories, job.Category(c))
	}
	r.UpdatedAt = r.UpdatedAt.UTC()

	if err := fn(&r); err != nil {
		return nil, err
	}

	cats = make([]string, 0, len(r.OptedOutCategories))
	for _, c := range r.OptedOutCategories {
		cats = append(cats, string(c))
	}
	_, err = tx.Exec(ctx, `
		UPDATE herald_compliance
		SET global_opt_out = $2, opted_out_categories = $3, updated_at = $4
		WHERE recipient = $1`,
		recipient, r.GlobalOptOut, cats, r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: update compliance record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("herald/postgres: commit compliance update: %w", err)
	}
	return &r, nil
}

// ── Dunning ──

const invoiceColumns = `
	id, customer_id, email, amount_cents, currency, state, attempts,
	next_attempt_at, last_error, paid_at, created_at, updated_at`

// SaveInvoice inserts or replaces an invoice.
func (s *Store) SaveInvoice(ctx context.Context, inv *dunning.Invoice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO herald_invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			paid_at = EXCLUDED.paid_at,
			updated_at = EXCLUDED.updated_at`,
		inv.ID.String(), inv.CustomerID, inv.Email, inv.AmountCents, inv.Currency, string(inv.State),
		inv.Attempts, inv.NextAttemptAt, inv.LastError, inv.PaidAt, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: save invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by ID.
func (s *Store) GetInvoice(ctx context.Context, invoiceID id.InvoiceID) (*dunning.Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+invoiceColumns+` FROM herald_invoices WHERE id = $1`, invoiceID.String())
	inv, err := scanInvoice(row)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("herald/postgres: get invoice: %w", err)
	}
	return inv, nil
}

// DueInvoices returns open invoices due at or before now, earliest first.
func (s *Store) DueInvoices(ctx context.Context, now time.Time, limit int) ([]*dunning.Invoice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+invoiceColumns+`
		FROM herald_invoices
		WHERE state = 'open' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`,
		now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: due invoices: %w", err)
	}
	defer rows.Close()

	result := make([]*dunning.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("herald/postgres: scan invoice row: %w", err)
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("herald/postgres: iterate invoice rows: %w", err)
	}
	return result, nil
}

func scanInvoice(row pgx.Row) (*dunning.Invoice, error) {
	var (
		inv          dunning.Invoice
		idStr, state string
	)
	err := row.Scan(&idStr, &inv.CustomerID, &inv.Email, &inv.AmountCents, &inv.Currency, &state,
		&inv.Attempts, &inv.NextAttemptAt, &inv.LastError, &inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inv.ID, err = id.ParseInvoiceID(idStr); err != nil {
		return nil, fmt.Errorf("herald/postgres: parse invoice id %q: %w", idStr, err)
	}
	inv.State = dunning.State(state)
	inv.NextAttemptAt = inv.NextAttemptAt.UTC()
	inv.PaidAt = utcPtr(inv.PaidAt)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}
