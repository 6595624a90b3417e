// Package throttle paces outbound fetches per target host so many
// concurrent worker invocations stay polite to lender sites, CDR
// endpoints, and the web archive. State lives in Redis, shared across
// all instances.
package throttle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// FetchThrottle is a distributed token bucket keyed by host.
type FetchThrottle struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

func NewFetchThrottle(client *redis.Client, capacity int, refillPerSecond float64) *FetchThrottle {
	return &FetchThrottle{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      time.Hour,
	}
}

// Allow consumes one token for the host if available. A denied fetch
// is a transient condition; callers surface it as a retryable error
// and let the queue's backoff pace the redelivery.
func (t *FetchThrottle) Allow(ctx context.Context, host string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, t.client, []string{"throttle:host:" + host},
		t.capacity, t.refill, now, t.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return false, nil
	}
	allowed, _ := arr[0].(int64)
	return allowed == 1, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
