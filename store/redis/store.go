// Package redis implements store.Store on Redis. Job lifecycle fields
// live in a Hash per job next to a msgpack-encoded content blob, and the
// queue is three Sorted Sets (scheduled by run_at, ready by rank, active
// by lease expiry). Every claim transition runs as a Lua script, so two
// workers never hold the same job.
//
// The scripts touch job keys they derive at runtime, so the store needs a
// single Redis node or a primary/replica pair, not Redis Cluster.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/herald/compliance"
	"github.com/xraph/herald/dunning"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/outcome"
)

// Compile-time interface checks.
var (
	_ job.Store        = (*Store)(nil)
	_ compliance.Store = (*Store)(nil)
	_ outcome.Store    = (*Store)(nil)
	_ dunning.Store    = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
	owned  bool
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses a redis:// URL and returns a store that owns its client.
func Open(url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	s := New(redis.NewClient(o), opts...)
	s.owned = true
	return s, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
