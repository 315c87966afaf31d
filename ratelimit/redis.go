package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The window key expires with the window, so the first INCR after expiry
// opens a new one.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`)

// refundScript decrements a live window counter. An expired key is left
// alone so a refund never opens a window.
var refundScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]))
if current and current > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisFixedWindow is a fixed-window limiter whose counters live in Redis,
// shared by every process using the same prefix.
type RedisFixedWindow struct {
	client redis.Cmdable
	prefix string
	limit  int
	period time.Duration
	now    func() time.Time
}

var (
	_ Limiter  = (*RedisFixedWindow)(nil)
	_ Refunder = (*RedisFixedWindow)(nil)
)

// NewRedisFixedWindow allows limit events per key per period. Keys are
// stored as prefix + key.
func NewRedisFixedWindow(client redis.Cmdable, prefix string, limit int, period time.Duration) *RedisFixedWindow {
	return &RedisFixedWindow{
		client: client,
		prefix: prefix,
		limit:  limit,
		period: period,
		now:    time.Now,
	}
}

// Allow counts one event against key.
func (l *RedisFixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, l.period.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis allow %q: %w", key, err)
	}
	count, ttl := res[0], res[1]
	if ttl < 0 {
		ttl = l.period.Milliseconds()
	}
	d := Decision{ResetAt: l.now().Add(time.Duration(ttl) * time.Millisecond)}
	if count > int64(l.limit) {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = l.limit - int(count)
	return d, nil
}

// Refund returns one slot to key's current window. The window is matched
// by key expiry only, so a refund racing the window boundary is dropped.
func (l *RedisFixedWindow) Refund(ctx context.Context, key string, d Decision) error {
	if !d.Allowed || !l.now().Before(d.ResetAt) {
		return nil
	}
	if err := refundScript.Run(ctx, l.client, []string{l.prefix + key}).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis refund %q: %w", key, err)
	}
	return nil
}
