package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/pkg/clock"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow keeps one sorted-set member per request, scored in
// milliseconds, and counts members in (now-Window, now].
type SlidingWindow struct {
	client redis.Cmdable
	clock  clock.Clock
	scope  string
	window time.Duration
	max    int64
}

// NewSlidingWindow creates a sliding-window limiter allowing max requests
// in any trailing window.
func NewSlidingWindow(client redis.Cmdable, clk clock.Clock, scope string, window time.Duration, max int64) (*SlidingWindow, error) {
	if window < time.Millisecond {
		return nil, fmt.Errorf("sliding window %s: window must be positive", scope)
	}
	if max <= 0 {
		return nil, fmt.Errorf("sliding window %s: max must be positive", scope)
	}
	return &SlidingWindow{client: client, clock: clk, scope: scope, window: window, max: max}, nil
}

// Check records the request and reports the count. Denied requests are
// still recorded, so a client that keeps hammering stays limited.
func (l *SlidingWindow) Check(ctx context.Context, identifier string) (Result, error) {
	now := l.clock.Now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - l.window.Milliseconds()
	k := key(l.scope, identifier)

	member := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	var count *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: member})
		count = pipe.ZCount(ctx, k, "("+strconv.FormatInt(windowStart, 10), "+inf")
		pipe.Expire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStore, err)
	}

	n := count.Val()
	return Result{
		Allowed:   n <= l.max,
		Current:   n,
		Remaining: clampRemaining(l.max, n),
		ResetAt:   now.Add(l.window),
	}, nil
}
