// Package memory is a fully in-memory implementation of store.Store. It is
// safe for concurrent use; a single mutex makes every job operation,
// claims included, atomic. Intended for tests, development and
// single-process deployments that accept losing the queue on restart.
package memory

import (
	"context"
	"sync"

	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
)

// Compile-time interface checks. store.Store cannot be named here without
// an import cycle.
var (
	_ job.Store        = (*Store)(nil)
	_ compliance.Store = (*Store)(nil)
	_ outcome.Store    = (*Store)(nil)
	_ dunning.Store    = (*Store)(nil)
)

// Store holds all herald entities in maps.
type Store struct {
	mu sync.RWMutex

	jobs map[string]*job.Job
	seq  int64

	outcomes     map[string]*outcome.Record // key: job id
	outcomeOrder []*outcome.Record

	compliance map[string]*compliance.Record
	invoices   map[string]*dunning.Invoice
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*job.Job),
		outcomes:   make(map[string]*outcome.Record),
		compliance: make(map[string]*compliance.Record),
		invoices:   make(map[string]*dunning.Invoice),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }
