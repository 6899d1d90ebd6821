package redis

import goredis "github.com/redis/go-redis/v9"

// Script return conventions: 0 means the job does not exist, -1 means
// the caller's lease is no longer held, otherwise the script returns the
// job hash as a flat field/value array.

// leaseGuard aborts unless KEYS[1] is active under lease ARGV[1].
const leaseGuard = `
local cur = redis.call('HMGET', KEYS[1], 'state', 'lease_id')
if not cur[1] then return 0 end
if cur[1] ~= 'active' or cur[2] ~= ARGV[1] then return -1 end
`

// KEYS: job, waiting, delayed, seq, index
// ARGV: id, category, priority, delayed(0|1), run_at, field/value...
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('HEXISTS', KEYS[5], ARGV[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 6))
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], string.format('%.0f', tonumber(ARGV[3]) * 1e12 + seq), ARGV[1])
end
return 1
`)

// KEYS: waiting, delayed, active, seq
// ARGV: now, lease_expires_at, lease_id, worker_id, job key prefix, promote batch
var leaseScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[6]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local p = redis.call('HGET', ARGV[5] .. id, 'priority')
  if p then
    local seq = redis.call('INCR', KEYS[4])
    redis.call('ZADD', KEYS[1], string.format('%.0f', tonumber(p) * 1e12 + seq), id)
  end
end
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then return 0 end
  local id = popped[1]
  local key = ARGV[5] .. id
  if redis.call('HGET', key, 'state') == 'waiting' then
    redis.call('HSET', key,
      'state', 'active',
      'lease_id', ARGV[3],
      'lease_expires_at', ARGV[2],
      'started_at', ARGV[1],
      'worker_id', ARGV[4],
      'updated_at', ARGV[1])
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    return redis.call('HGETALL', key)
  end
end
`)

// KEYS: job
// ARGV: lease_id, progress, message, now
var progressScript = goredis.NewScript(leaseGuard + `
redis.call('HSET', KEYS[1], 'progress', ARGV[2], 'message', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

// KEYS: job, active, finished, cancel
// ARGV: lease_id, now, result, id
var completeScript = goredis.NewScript(leaseGuard + `
redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
redis.call('HSET', KEYS[1],
  'state', 'completed',
  'progress', '100',
  'result', ARGV[3],
  'last_error', '',
  'failure_kind', '',
  'lease_id', '',
  'lease_expires_at', '',
  'finished_at', ARGV[2],
  'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[4])
redis.call('DEL', KEYS[4])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: job, active, delayed, finished, cancel
// ARGV: lease_id, now, run_at, last_error, id
var retryScript = goredis.NewScript(leaseGuard + `
redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
redis.call('ZREM', KEYS[2], ARGV[5])
if redis.call('EXISTS', KEYS[5]) == 1 then
  redis.call('HSET', KEYS[1],
    'state', 'failed',
    'failure_kind', 'cancelled',
    'last_error', ARGV[4],
    'lease_id', '',
    'lease_expires_at', '',
    'finished_at', ARGV[2],
    'updated_at', ARGV[2])
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[5])
  redis.call('DEL', KEYS[5])
else
  redis.call('HSET', KEYS[1],
    'state', 'waiting',
    'failure_kind', 'transient',
    'last_error', ARGV[4],
    'lease_id', '',
    'lease_expires_at', '',
    'run_at', ARGV[3],
    'updated_at', ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[5])
end
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: job, active, finished, cancel
// ARGV: lease_id, now, failure_kind, last_error, id
var failScript = goredis.NewScript(leaseGuard + `
redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
redis.call('HSET', KEYS[1],
  'state', 'failed',
  'failure_kind', ARGV[3],
  'last_error', ARGV[4],
  'lease_id', '',
  'lease_expires_at', '',
  'finished_at', ARGV[2],
  'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[5])
redis.call('DEL', KEYS[4])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: job, active, entry, category dead letters, timeline, dead-letter index, cancel
// ARGV: lease_id, failed_at, failure_kind, error, job id, entry id, category, field/value...
var deadLetterScript = goredis.NewScript(leaseGuard + `
redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
redis.call('HSET', KEYS[1],
  'state', 'dead_lettered',
  'failure_kind', ARGV[3],
  'last_error', ARGV[4],
  'lease_id', '',
  'lease_expires_at', '',
  'finished_at', ARGV[2],
  'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('DEL', KEYS[7])
redis.call('HSET', KEYS[3], unpack(ARGV, 8))
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[6])
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[6])
redis.call('HSET', KEYS[6], ARGV[6], ARGV[7])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: job, waiting, delayed, finished, cancel
// ARGV: now, id, cancel flag ttl (ms), cancelled error
//
// Returns 0 when the job does not exist, otherwise {code, hash} where
// code is 0 for a terminal job, 1 when the flag was set on an active
// job and 2 when a waiting job was dequeued.
var cancelScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 0 end
if state == 'completed' or state == 'failed' or state == 'dead_lettered' then
  return {0, redis.call('HGETALL', KEYS[1])}
end
redis.call('HSET', KEYS[1], 'cancel_requested', '1', 'updated_at', ARGV[1])
if state == 'waiting' then
  redis.call('ZREM', KEYS[2], ARGV[2])
  redis.call('ZREM', KEYS[3], ARGV[2])
  redis.call('HSET', KEYS[1],
    'state', 'failed',
    'failure_kind', 'cancelled',
    'last_error', ARGV[4],
    'finished_at', ARGV[1])
  redis.call('ZADD', KEYS[4], ARGV[1], ARGV[2])
  return {2, redis.call('HGETALL', KEYS[1])}
end
redis.call('SET', KEYS[5], ARGV[1], 'PX', ARGV[3])
return {1, redis.call('HGETALL', KEYS[1])}
`)

// KEYS: entry, category dead letters, timeline, dead-letter index, job index
// ARGV: entry id, job key prefix
var purgeEntryScript = goredis.NewScript(`
local jobId = redis.call('HGET', KEYS[1], 'job_id')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if jobId then
  local jk = ARGV[2] .. jobId
  if redis.call('HGET', jk, 'state') == 'dead_lettered' then
    redis.call('DEL', jk)
    redis.call('HDEL', KEYS[5], jobId)
  end
end
return 1
`)
