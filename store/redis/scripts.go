package redis

import "github.com/redis/go-redis/v9"

// claimScript promotes due scheduled jobs to the ready set, then claims up
// to limit of them in rank order under the tokens passed after the fixed
// arguments.
//
// KEYS: scheduled, ready, active
// ARGV: now_ms, lease_until_ms, worker_id, job_key_prefix, limit, token...
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  local rank = redis.call('HGET', ARGV[4] .. id, 'rank')
  if rank then
    redis.call('ZADD', KEYS[2], rank, id)
  end
  redis.call('ZREM', KEYS[1], id)
end
local ids = redis.call('ZRANGE', KEYS[2], 0, tonumber(ARGV[5]) - 1)
for i, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HSET', ARGV[4] .. id,
    'state', 'active', 'token', ARGV[5 + i], 'worker_id', ARGV[3],
    'lease_until', ARGV[2], 'heartbeat_at', ARGV[1], 'started_at', ARGV[1],
    'updated_at', ARGV[1])
  redis.call('ZADD', KEYS[3], ARGV[2], id)
end
return ids
`)

// ownerCheck is shared by the scripts that require the caller's claim.
// It returns -1 for a missing job and 0 for a stale token.
const ownerCheck = `
local f = redis.call('HMGET', KEYS[1], 'state', 'token')
if not f[1] then return -1 end
if f[1] ~= 'active' or ARGV[1] == '' or f[2] ~= ARGV[1] then return 0 end
`

// KEYS: job, active
// ARGV: token, lease_until_ms, now_ms, id
var heartbeatScript = redis.NewScript(ownerCheck + `
redis.call('HSET', KEYS[1], 'lease_until', ARGV[2], 'heartbeat_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return 1
`)

// KEYS: job, active, scheduled
// ARGV: token, state, attempts, last_error, run_at_ms, now_ms, id
var requeueScript = redis.NewScript(ownerCheck + `
redis.call('HSET', KEYS[1],
  'state', ARGV[2], 'attempts', ARGV[3], 'last_error', ARGV[4],
  'run_at', ARGV[5], 'token', '', 'worker_id', '', 'lease_until', '',
  'updated_at', ARGV[6])
redis.call('ZREM', KEYS[2], ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[7])
return 1
`)

// KEYS: job, active, terminal set
// ARGV: token, state, attempts, last_error, finished_at_ms, id
var finalizeScript = redis.NewScript(ownerCheck + `
redis.call('HSET', KEYS[1],
  'state', ARGV[2], 'attempts', ARGV[3], 'last_error', ARGV[4],
  'finished_at', ARGV[5], 'token', '', 'lease_until', '',
  'updated_at', ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[6])
redis.call('SADD', KEYS[3], ARGV[6])
return 1
`)

// recoverScript returns active jobs whose lease ended strictly before now
// to pending.
//
// KEYS: active, scheduled
// ARGV: now_ms, job_key_prefix
var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local out = {}
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', key, 'state') == 'active' then
    redis.call('HSET', key,
      'state', 'pending', 'run_at', ARGV[1], 'last_error', 'lease expired',
      'token', '', 'worker_id', '', 'lease_until', '', 'updated_at', ARGV[1])
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    table.insert(out, id)
  end
end
return out
`)

// drainScript deletes pending jobs and delayed jobs due at now_ms, and
// every delayed job when ARGV[2] is "1".
//
// KEYS: scheduled, ready, job index
// ARGV: job_key_prefix, include_delayed, now_ms
var drainScript = redis.NewScript(`
local n = 0
local now = tonumber(ARGV[3])
for _, set in ipairs({KEYS[1], KEYS[2]}) do
  for _, id in ipairs(redis.call('ZRANGE', set, 0, -1)) do
    local key = ARGV[1] .. id
    local state = redis.call('HGET', key, 'state')
    local due = (tonumber(redis.call('HGET', key, 'run_at')) or 0) <= now
    if state == 'pending' or (state == 'delayed' and (ARGV[2] == '1' or due)) then
      redis.call('DEL', key)
      redis.call('ZREM', set, id)
      redis.call('ZREM', KEYS[3], id)
      n = n + 1
    end
  end
end
return n
`)
