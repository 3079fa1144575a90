package redis

import "github.com/gomodule/redigo/redis"

// Every mutation runs as one script so the check and the write are a
// single atomic step on the server. Scripts only touch keys passed in
// KEYS, so with a hash-tagged namespace such as "{jobqueue}:" they run
// on Redis Cluster too.

// KEYS: job, ready, counts, queues, seq
// ARGV: id, queue, payload, rank prefix, priority, max_attempts, created_at, updated_at
var insertScript = redis.NewScript(5, `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local seq = redis.call('INCR', KEYS[5])
local rank = string.format('%s:%020d:%s', ARGV[4], seq, ARGV[1])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'payload', ARGV[3], 'status', 'queued',
  'priority', ARGV[5], 'attempts', 0, 'max_attempts', ARGV[6],
  'created_at', ARGV[7], 'updated_at', ARGV[8], 'seq', seq, 'rank', rank)
redis.call('ZADD', KEYS[2], 0, rank)
redis.call('HINCRBY', KEYS[3], 'queued', 1)
redis.call('SADD', KEYS[4], ARGV[2])
return seq
`)

// KEYS: job, ready, leased, counts (all of the job's queue)
// ARGV: the predicate (statuses comma separated, locked_by, stale_before),
// then the patch (status, lease mode set|clear, owner, locked_at,
// lock_expires_at, attempts delta, last_error set, last_error, updated_at).
//
// Replies {'missing'}, {'nomatch'} or {'ok', field, value, ...}.
var updateScript = redis.NewScript(4, `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return {'missing'}
end
local cur = redis.call('HMGET', key, 'id', 'rank', 'status', 'locked_by', 'lock_expires_at', 'attempts')
local id, rank, status = cur[1], cur[2], cur[3]
local lockedBy = cur[4] or ''
local expires = cur[5] or ''
local attempts = tonumber(cur[6]) or 0

if ARGV[1] ~= '' then
  local found = false
  for s in string.gmatch(ARGV[1], '[^,]+') do
    if s == status then
      found = true
      break
    end
  end
  if not found then
    return {'nomatch'}
  end
end
if ARGV[2] ~= '' and lockedBy ~= ARGV[2] then
  return {'nomatch'}
end
if ARGV[3] ~= '' and status == 'locked' then
  if expires == '' or tonumber(expires) >= tonumber(ARGV[3]) then
    return {'nomatch'}
  end
end

local newStatus = status
if ARGV[4] ~= '' then
  newStatus = ARGV[4]
  redis.call('HSET', key, 'status', newStatus)
end
if ARGV[5] == 'set' then
  redis.call('HSET', key, 'locked_by', ARGV[6], 'locked_at', ARGV[7], 'lock_expires_at', ARGV[8])
elseif ARGV[5] == 'clear' then
  redis.call('HDEL', key, 'locked_by', 'locked_at', 'lock_expires_at')
end
local delta = tonumber(ARGV[9])
if delta > 0 or (delta < 0 and attempts > 0) then
  redis.call('HINCRBY', key, 'attempts', delta)
end
if ARGV[10] == '1' then
  redis.call('HSET', key, 'last_error', ARGV[11])
end
if ARGV[12] ~= '' then
  redis.call('HSET', key, 'updated_at', ARGV[12])
end

redis.call('ZREM', KEYS[2], rank)
redis.call('ZREM', KEYS[3], id)
if newStatus == 'queued' then
  redis.call('ZADD', KEYS[2], 0, rank)
elseif newStatus == 'locked' then
  local exp = redis.call('HGET', key, 'lock_expires_at')
  redis.call('ZADD', KEYS[3], exp or '+inf', id)
end
if newStatus ~= status then
  redis.call('HINCRBY', KEYS[4], status, -1)
  redis.call('HINCRBY', KEYS[4], newStatus, 1)
end

local all = redis.call('HGETALL', key)
table.insert(all, 1, 'ok')
return all
`)

// KEYS: lock
// ARGV: owner, now, expires_at, gc ttl
var acquireLockScript = redis.NewScript(1, `
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'acquired_at', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS: lock
// ARGV: owner, now, expires_at, gc ttl
var renewLockScript = redis.NewScript(1, `
local cur = redis.call('HMGET', KEYS[1], 'owner', 'expires_at')
if not cur[1] or cur[1] ~= ARGV[1] or not cur[2] or tonumber(cur[2]) <= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS: lock
// ARGV: owner
var releaseLockScript = redis.NewScript(1, `
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
