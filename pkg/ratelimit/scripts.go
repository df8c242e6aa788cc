package ratelimit

import "github.com/redis/go-redis/v9"

// incrFixedWindowScript atomically increments a fixed-window cost counter
// and (re)sets its TTL in one round trip, so two concurrent spenders never
// observe a half-applied increment.
//
// KEYS[1] = counter key
// ARGV[1] = cost to add
// ARGV[2] = window TTL in seconds
// returns the new total
var incrFixedWindowScript = redis.NewScript(`
local total = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return total
`)

// rollingWindowAddAndSumScript inserts one {timestamp:requestId:cost} entry
// into a sorted set scored by timestamp, trims everything older than the
// window, and returns the sum of costs remaining in-window — all as one
// scripted operation so the read-after-write is linearizable.
//
// KEYS[1] = sorted set key
// ARGV[1] = now (ms)
// ARGV[2] = window size (ms)
// ARGV[3] = member to add ("tsMs:requestId:cost"), may be "" to only read
// ARGV[4] = score to add the member at (tsMs)
// ARGV[5] = cost contributed by the new member (0 if read-only)
var rollingWindowAddAndSumScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local member = ARGV[3]
local score = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - windowMs)

if member ~= "" then
  redis.call("ZADD", key, score, member)
  redis.call("PEXPIRE", key, windowMs)
end

local members = redis.call("ZRANGEBYSCORE", key, now - windowMs, now)
local total = 0.0
for _, m in ipairs(members) do
  local parts = {}
  for part in string.gmatch(m, "[^:]+") do
    table.insert(parts, part)
  end
  total = total + tonumber(parts[#parts])
end
return tostring(total)
`)

// rpmCheckAndInsertScript trims a sorted set of request timestamps to the
// last 60s, counts what remains, and if under limit inserts now — as one
// atomic operation so two racing requests can't both squeeze past the cap.
//
// KEYS[1] = sorted set key
// ARGV[1] = now (ms)
// ARGV[2] = window (ms), typically 60000
// ARGV[3] = limit
// returns {allowed(0/1), count}
var rpmCheckAndInsertScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - windowMs)
local count = redis.call("ZCARD", key)

if count < limit then
  redis.call("ZADD", key, now, now .. ":" .. math.random(1000000))
  redis.call("PEXPIRE", key, windowMs)
  return {1, count + 1}
end
return {0, count}
`)

// concurrencyCheckAndInsertScript trims stale members from a concurrency
// sorted set (scored by last-activity), and if below limit inserts member.
//
// KEYS[1] = sorted set key
// ARGV[1] = now (ms)
// ARGV[2] = staleAfterMs — members older than this are considered leaked and dropped
// ARGV[3] = limit
// ARGV[4] = member (e.g. sessionId)
// returns {allowed(0/1), count}
var concurrencyCheckAndInsertScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local staleAfterMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - staleAfterMs)
local count = redis.call("ZCARD", key)

if redis.call("ZSCORE", key, member) then
  redis.call("ZADD", key, now, member)
  return {1, count}
end

if count < limit then
  redis.call("ZADD", key, now, member)
  return {1, count + 1}
end
return {0, count}
`)

// concurrencyRemoveScript removes a member from a concurrency set; used to
// release a reservation on every terminal outcome.
var concurrencyRemoveScript = redis.NewScript(`
return redis.call("ZREM", KEYS[1], ARGV[1])
`)
