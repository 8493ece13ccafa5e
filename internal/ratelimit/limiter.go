// Package ratelimit implements fixed-window, sliding-window and token-bucket
// limiters backed by Redis. Every check is a single atomic round trip and
// reads time from an injected clock.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// Result describes one limiter decision.
type Result struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter is the wait until ResetAt, rounded up to whole seconds.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second) + time.Second
}

// Limiter decides whether identifier may proceed and records the attempt.
type Limiter interface {
	Check(ctx context.Context, identifier string) (Result, error)
}

// ExceededError is returned by callers that turn a denied Result into an
// error. It matches models.ErrRateLimitExceeded with errors.Is.
type ExceededError struct {
	Scope  string
	Result Result
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, resets at %s", e.Scope, e.Result.ResetAt.UTC().Format(time.RFC3339))
}

func (e *ExceededError) Unwrap() error { return models.ErrRateLimitExceeded }

// AsExceeded extracts the ExceededError from err.
func AsExceeded(err error) (*ExceededError, bool) {
	var ex *ExceededError
	if errors.As(err, &ex) {
		return ex, true
	}
	return nil, false
}

// ErrStore wraps failures talking to the backing store.
var ErrStore = errors.New("rate limit store unavailable")

func key(scope, identifier string) string {
	return scope + ":" + identifier
}

func clampRemaining(max, current int64) int64 {
	if r := max - current; r > 0 {
		return r
	}
	return 0
}
