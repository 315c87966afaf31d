package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/outcome"
)

// ── Outcomes ──

// AppendOutcome stores r with SETNX, so each job has at most one record.
func (s *Store) AppendOutcome(ctx context.Context, r *outcome.Record) error {
	b, err := encodeOutcome(r)
	if err != nil {
		return fmt.Errorf("herald/redis: encode outcome: %w", err)
	}
	jID := r.JobID.String()
	ok, err := s.client.SetNX(ctx, outcomeKey(jID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("herald/redis: append outcome: %w", err)
	}
	if !ok {
		return herald.ErrOutcomeExists
	}
	if err := s.client.ZAdd(ctx, outcomeIndexKey, goredis.Z{
		Score:  float64(r.RecordedAt.UnixMilli()),
		Member: jID,
	}).Err(); err != nil {
		return fmt.Errorf("herald/redis: index outcome: %w", err)
	}
	return nil
}

// GetOutcome returns the outcome of a job.
func (s *Store) GetOutcome(ctx context.Context, jobID id.JobID) (*outcome.Record, error) {
	b, err := s.client.Get(ctx, outcomeKey(jobID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, herald.ErrOutcomeNotFound
		}
		return nil, fmt.Errorf("herald/redis: get outcome: %w", err)
	}
	return decodeOutcome(b)
}

// ListOutcomes returns outcomes newest first.
func (s *Store) ListOutcomes(ctx context.Context, opts outcome.ListOpts) ([]*outcome.Record, error) {
	filtered := opts.Status != "" || opts.Recipient != ""

	start, stop := int64(0), int64(-1)
	if !filtered {
		start = int64(opts.Offset)
		if opts.Limit > 0 {
			stop = start + int64(opts.Limit) - 1
		}
	}
	ids, err := s.client.ZRevRange(ctx, outcomeIndexKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list outcomes: %w", err)
	}
	if len(ids) == 0 {
		return []*outcome.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, jID := range ids {
		keys[i] = outcomeKey(jID)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list outcomes: %w", err)
	}

	result := make([]*outcome.Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		r, err := decodeOutcome([]byte(str))
		if err != nil {
			return nil, err
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Recipient != "" && r.Recipient != opts.Recipient {
			continue
		}
		result = append(result, r)
	}
	if filtered {
		result = paginate(result, opts.Offset, opts.Limit)
	}
	return result, nil
}

// ── Compliance ──

// GetComplianceRecord returns the opt-out state of a recipient.
func (s *Store) GetComplianceRecord(ctx context.Context, recipient string) (*compliance.Record, error) {
	b, err := s.client.Get(ctx, complianceKey(recipient)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, herald.ErrComplianceNotFound
		}
		return nil, fmt.Errorf("herald/redis: get compliance record: %w", err)
	}
	return decodeCompliance(b)
}

// SaveComplianceRecord inserts or replaces a record.
func (s *Store) SaveComplianceRecord(ctx context.Context, r *compliance.Record) error {
	b, err := encodeCompliance(r)
	if err != nil {
		return fmt.Errorf("herald/redis: encode compliance record: %w", err)
	}
	if err := s.client.Set(ctx, complianceKey(r.Recipient), b, 0).Err(); err != nil {
		return fmt.Errorf("herald/redis: save compliance record: %w", err)
	}
	return nil
}

// maxComplianceTxRetries bounds WATCH conflicts on one recipient.
const maxComplianceTxRetries = 16

// UpdateComplianceRecord applies fn inside WATCH/MULTI on the recipient key
// and retries when a concurrent writer changed the key first.
func (s *Store) UpdateComplianceRecord(ctx context.Context, recipient string, fn func(*compliance.Record) error) (*compliance.Record, error) {
	key := complianceKey(recipient)
	var result *compliance.Record

	txf := func(tx *goredis.Tx) error {
		rec := &compliance.Record{Recipient: recipient}
		b, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return fmt.Errorf("herald/redis: get compliance record: %w", err)
		default:
			if rec, err = decodeCompliance(b); err != nil {
				return err
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
		out, err := encodeCompliance(rec)
		if err != nil {
			return fmt.Errorf("herald/redis: encode compliance record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = rec
		return nil
	}

	for range maxComplianceTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("herald/redis: update compliance record %s: too much contention", recipient)
}

// ── Dunning ──

// SaveInvoice inserts or replaces an invoice and keeps the due index in
// step with its state.
func (s *Store) SaveInvoice(ctx context.Context, inv *dunning.Invoice) error {
	b, err := encodeInvoice(inv)
	if err != nil {
		return fmt.Errorf("herald/redis: encode invoice: %w", err)
	}
	invID := inv.ID.String()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, invoiceKey(invID), b, 0)
	if inv.State == dunning.StateOpen {
		pipe.ZAdd(ctx, invoiceDueKey, goredis.Z{Score: float64(inv.NextAttemptAt.UnixMilli()), Member: invID})
	} else {
		pipe.ZRem(ctx, invoiceDueKey, invID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: save invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by ID.
func (s *Store) GetInvoice(ctx context.Context, invoiceID id.InvoiceID) (*dunning.Invoice, error) {
	b, err := s.client.Get(ctx, invoiceKey(invoiceID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, herald.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("herald/redis: get invoice: %w", err)
	}
	return decodeInvoice(b)
}

// DueInvoices returns open invoices due at or before now, earliest first.
func (s *Store) DueInvoices(ctx context.Context, now time.Time, limit int) ([]*dunning.Invoice, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, invoiceDueKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: due invoices: %w", err)
	}

	result := make([]*dunning.Invoice, 0, len(ids))
	for _, invID := range ids {
		b, err := s.client.Get(ctx, invoiceKey(invID)).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("herald/redis: due invoices: %w", err)
		}
		inv, err := decodeInvoice(b)
		if err != nil {
			return nil, err
		}
		if inv.State == dunning.StateOpen {
			result = append(result, inv)
		}
	}
	return result, nil
}
