package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/pkg/clock"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] bucket hash
// ARGV capacity, refill per second, now (ms), ttl (s)
//
// A missing bucket starts full. Tokens refill lazily and are clamped to
// [0, capacity]. State is only written when a token is taken.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = math.max(0, now - last) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
  redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(now))
  redis.call('EXPIRE', KEYS[1], ttl)
end

return {allowed, tostring(tokens)}
`)

// DefaultBucketTTL is how long an idle bucket is kept.
const DefaultBucketTTL = time.Hour

// TokenBucket allows bursts up to Capacity and sustains RefillPerSecond.
type TokenBucket struct {
	client   redis.Cmdable
	clock    clock.Clock
	scope    string
	capacity int64
	refill   float64
	ttl      time.Duration
}

// NewTokenBucket validates capacity > 0, refill > 0 and refill <= capacity.
// A zero ttl means DefaultBucketTTL.
func NewTokenBucket(client redis.Cmdable, clk clock.Clock, scope string, capacity int64, refillPerSecond float64, ttl time.Duration) (*TokenBucket, error) {
	if refillPerSecond <= 0 {
		return nil, fmt.Errorf("token bucket %s: refill rate must be positive", scope)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("token bucket %s: capacity must be positive", scope)
	}
	if refillPerSecond > float64(capacity) {
		return nil, fmt.Errorf("token bucket %s: refill rate cannot exceed capacity", scope)
	}
	if ttl <= 0 {
		ttl = DefaultBucketTTL
	}
	return &TokenBucket{
		client:   client,
		clock:    clk,
		scope:    scope,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}, nil
}

func (l *TokenBucket) Check(ctx context.Context, identifier string) (Result, error) {
	now := l.clock.Now()
	k := key(l.scope, identifier)

	raw, err := tokenBucketScript.Run(ctx, l.client, []string{k},
		l.capacity, l.refill, now.UnixMilli(), int64(l.ttl/time.Second)).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if len(raw) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrStore, raw)
	}

	allowed, _ := raw[0].(int64)
	tokensStr, _ := raw[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: bad token count %q", ErrStore, tokensStr)
	}

	remaining := int64(math.Floor(tokens))
	return Result{
		Allowed:   allowed == 1,
		Current:   l.capacity - remaining,
		Remaining: remaining,
		ResetAt:   l.resetAt(tokens, now),
	}, nil
}

// resetAt is when the bucket will be full again.
func (l *TokenBucket) resetAt(tokens float64, now time.Time) time.Time {
	missing := float64(l.capacity) - tokens
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(missing / l.refill * float64(time.Second)))
}
