package queue

import "github.com/redis/go-redis/v9"

// State transitions run as Lua scripts so two dispatch paths polling the
// same keys can never both win a job. Each script checks the recorded
// state before mutating it; a lost race returns 0 and the caller moves on.

// acquireScript claims a waiting job for a worker. A job already at its
// attempt cap cannot be dispatched again; it goes to the failed list
// instead, so a permanently stalling job does not loop through the
// waiting set forever.
// KEYS[1] waiting ZSET, KEYS[2] job HASH, KEYS[3] active HASH, KEYS[4] failed LIST
// ARGV[1] job id, ARGV[2] now ms, ARGV[3] lease expiry ms,
// ARGV[4] cap error message, ARGV[5] failed keep count, ARGV[6] job key prefix
// Returns the attempt number on success, 0 when the job was already
// taken, -1 when the job was failed terminally at its attempt cap.
var acquireScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[2], 'state')
if state ~= 'waiting' then
  return 0
end
local made = tonumber(redis.call('HGET', KEYS[2], 'attempts_made')) or 0
local max = tonumber(redis.call('HGET', KEYS[2], 'max_attempts')) or 0
if max > 0 and made >= max then
  redis.call('HSET', KEYS[2], 'state', 'failed', 'completed_at', ARGV[2], 'error', ARGV[4])
  redis.call('LPUSH', KEYS[4], ARGV[1])
  local keep = tonumber(ARGV[5])
  if keep > 0 then
    local evicted = redis.call('LRANGE', KEYS[4], keep, -1)
    for _, id in ipairs(evicted) do
      redis.call('DEL', ARGV[6] .. id)
    end
    redis.call('LTRIM', KEYS[4], 0, keep - 1)
  end
  return -1
end
local attempts = redis.call('HINCRBY', KEYS[2], 'attempts_made', 1)
redis.call('HSET', KEYS[2], 'state', 'active', 'dispatched_at', ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return attempts
`)

// promoteScript moves a due delayed job into the waiting set.
// KEYS[1] delayed ZSET, KEYS[2] job HASH, KEYS[3] waiting ZSET
// ARGV[1] job id, ARGV[2] waiting score
// Returns 1 on success, 0 when another promoter won.
var promoteScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[2], 'state')
if state ~= 'delayed' then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'waiting', 'delay_until', 0)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// completeScript finishes an active job and trims the completed list,
// deleting the records of evicted entries.
// KEYS[1] active HASH, KEYS[2] job HASH, KEYS[3] completed LIST
// ARGV[1] job id, ARGV[2] now ms, ARGV[3] keep count, ARGV[4] job key prefix
// Returns 1 on success, 0 when the job was not active.
var completeScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[2], 'state')
if state ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'completed', 'completed_at', ARGV[2], 'error', '')
redis.call('LPUSH', KEYS[3], ARGV[1])
local keep = tonumber(ARGV[3])
if keep > 0 then
  local evicted = redis.call('LRANGE', KEYS[3], keep, -1)
  for _, id in ipairs(evicted) do
    redis.call('DEL', ARGV[4] .. id)
  end
  redis.call('LTRIM', KEYS[3], 0, keep - 1)
end
return 1
`)

// failRetryScript records a failed attempt and schedules the retry.
// KEYS[1] active HASH, KEYS[2] job HASH, KEYS[3] delayed ZSET
// ARGV[1] job id, ARGV[2] retry-at ms, ARGV[3] error message
// Returns 1 on success, 0 when the job was not active.
var failRetryScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[2], 'state')
if state ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'delayed', 'delay_until', ARGV[2], 'error', ARGV[3])
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
return 1
`)

// failTerminalScript moves an active job to the failed list and trims
// it, deleting evicted records.
// KEYS[1] active HASH, KEYS[2] job HASH, KEYS[3] failed LIST
// ARGV[1] job id, ARGV[2] now ms, ARGV[3] error message, ARGV[4] keep count, ARGV[5] job key prefix
// Returns 1 on success, 0 when the job was not active.
var failTerminalScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[2], 'state')
if state ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'failed', 'completed_at', ARGV[2], 'error', ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[1])
local keep = tonumber(ARGV[4])
if keep > 0 then
  local evicted = redis.call('LRANGE', KEYS[3], keep, -1)
  for _, id in ipairs(evicted) do
    redis.call('DEL', ARGV[5] .. id)
  end
  redis.call('LTRIM', KEYS[3], 0, keep - 1)
end
return 1
`)

// requeueStalledScript returns a stalled active job to the waiting set
// so another worker picks it up.
// KEYS[1] active HASH, KEYS[2] job HASH, KEYS[3] waiting ZSET
// ARGV[1] job id, ARGV[2] waiting score
// Returns 1 on success, 0 when the job was not active.
var requeueStalledScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[2], 'state')
if state ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'waiting', 'dispatched_at', 0)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// removeScript deletes a job from every structure it might occupy.
// KEYS[1] waiting, KEYS[2] delayed, KEYS[3] active, KEYS[4] completed,
// KEYS[5] failed, KEYS[6] job HASH
// ARGV[1] job id
// Returns 1 when the record existed, 0 otherwise.
var removeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
redis.call('LREM', KEYS[5], 0, ARGV[1])
return redis.call('DEL', KEYS[6])
`)
