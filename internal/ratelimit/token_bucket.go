// Package ratelimit throttles task submissions per client with a Redis token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"product-analysis-queue/internal/config"
)

// TokenBucket is shared by every API replica through Redis.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a limiter keyed under "<prefix>:ratelimit:<client>".
// Idle buckets expire once they would have refilled completely.
func NewTokenBucket(client *redis.Client, prefix string, cfg config.RateLimitConfig) *TokenBucket {
	ttl := time.Minute
	if cfg.RefillPerSec > 0 {
		ttl = time.Duration(float64(cfg.Capacity)/cfg.RefillPerSec*float64(time.Second)) + time.Minute
	}
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: cfg.Capacity,
		refill:   cfg.RefillPerSec,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Enabled reports whether the bucket limits anything.
func (b *TokenBucket) Enabled() bool {
	return b != nil && b.capacity > 0
}

// Allow consumes one token for clientID. It returns whether the call is allowed and the
// tokens left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, clientID string) (bool, int64, error) {
	if !b.Enabled() {
		return true, 0, nil
	}
	key := fmt.Sprintf("%s:ratelimit:%s", b.prefix, clientID)
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", clientID, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", clientID, res)
	}
	return res[0] == 1, res[1], nil
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
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
