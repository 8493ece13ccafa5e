package auth

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// TimingConfig holds configuration for timing attack prevention
type TimingConfig struct {
	MinDuration    time.Duration // floor for a failed first factor
	Jitter         time.Duration // random extra on top of MinDuration
	DelayOnSuccess bool
}

// DefaultTimingConfig pads failed logins to roughly the cost of one bcrypt
// comparison at the production cost factor.
var DefaultTimingConfig = TimingConfig{
	MinDuration: 250 * time.Millisecond,
	Jitter:      100 * time.Millisecond,
}

// TimingDelay pads authentication outcomes so that "no such user" and
// "wrong password" take about the same time.
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config}
}

func (td *TimingDelay) target() time.Duration {
	d := td.config.MinDuration
	if td.config.Jitter > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(td.config.Jitter)))
		if err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

// WaitFrom sleeps until at least the target duration has elapsed since
// start. It returns early if ctx is cancelled.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) {
	if td == nil || (success && !td.config.DelayOnSuccess) {
		return
	}

	remaining := td.target() - time.Since(start)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
