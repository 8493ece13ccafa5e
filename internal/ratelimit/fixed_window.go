package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/pkg/clock"
	"github.com/redis/go-redis/v9"
)

// FixedWindow counts requests in aligned buckets of length Window.
type FixedWindow struct {
	client redis.Cmdable
	clock  clock.Clock
	scope  string
	window time.Duration
	max    int64
}

// NewFixedWindow creates a fixed-window limiter allowing max requests per window.
func NewFixedWindow(client redis.Cmdable, clk clock.Clock, scope string, window time.Duration, max int64) (*FixedWindow, error) {
	if window < time.Second {
		return nil, fmt.Errorf("fixed window %s: window must be at least 1s", scope)
	}
	if max <= 0 {
		return nil, fmt.Errorf("fixed window %s: max must be positive", scope)
	}
	return &FixedWindow{client: client, clock: clk, scope: scope, window: window, max: max}, nil
}

func (l *FixedWindow) Check(ctx context.Context, identifier string) (Result, error) {
	now := l.clock.Now()
	windowSecs := int64(l.window / time.Second)
	bucket := now.Unix() / windowSecs
	windowKey := key(l.scope, identifier) + ":" + strconv.FormatInt(bucket, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.ExpireNX(ctx, windowKey, l.window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStore, err)
	}

	count := incr.Val()
	return Result{
		Allowed:   count <= l.max,
		Current:   count,
		Remaining: clampRemaining(l.max, count),
		ResetAt:   time.Unix((bucket+1)*windowSecs, 0),
	}, nil
}
