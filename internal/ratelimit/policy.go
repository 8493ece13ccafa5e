package ratelimit

import (
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/pkg/clock"
	"github.com/redis/go-redis/v9"
)

// Algorithm selects a limiter implementation.
type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// Policy configures one named limiter. Window and Max apply to the window
// algorithms; Capacity, RefillPerSecond and TTL to the token bucket.
type Policy struct {
	Algorithm       Algorithm     `toml:"algorithm"`
	Window          time.Duration `toml:"window"`
	Max             int64         `toml:"max"`
	Capacity        int64         `toml:"capacity"`
	RefillPerSecond float64       `toml:"refill_per_second"`
	TTL             time.Duration `toml:"ttl"`
}

// Scope names. The identifier a scope is keyed by is noted alongside.
const (
	ScopeLogin              = "auth:login"              // IP
	ScopeLoginIdentifier    = "auth:login:email"        // normalized email
	ScopeSignup             = "auth:signup"             // IP
	ScopeMagicLinkVerify    = "auth:magic-link:verify"  // IP
	ScopeMagicLinkEmail     = "email:magic-link"        // normalized email
	ScopeVerificationEmail  = "email:verification"      // normalized email
	ScopePasswordResetEmail = "email:password-reset"    // normalized email
	ScopeEmailChangeEmail   = "email:email-change"      // user id
	ScopeAccountDeleteEmail = "email:account-deletion"  // user id
	ScopePasswordReset      = "auth:password-reset"     // IP
	ScopeVerifyEmail        = "auth:verify-email"       // IP
	ScopeTwoFactor          = "auth:2fa"                // IP
	ScopeTwoFactorDisable   = "auth:2fa-disable"        // IP
	ScopeRecoveryCode       = "auth:recovery-code"      // IP
	ScopeOAuth              = "auth:oauth"              // IP
	ScopeAccountDelete      = "account:delete-request"  // IP
	ScopeAccountDeleteApply = "account:delete-confirm"  // IP
)

// DefaultPolicies returns the built-in limits.
func DefaultPolicies() map[string]Policy {
	fixed := func(w time.Duration, max int64) Policy {
		return Policy{Algorithm: AlgorithmFixedWindow, Window: w, Max: max}
	}
	sliding := func(w time.Duration, max int64) Policy {
		return Policy{Algorithm: AlgorithmSlidingWindow, Window: w, Max: max}
	}
	bucket := func(capacity int64, refill float64, ttl time.Duration) Policy {
		return Policy{Algorithm: AlgorithmTokenBucket, Capacity: capacity, RefillPerSecond: refill, TTL: ttl}
	}

	return map[string]Policy{
		ScopeLogin:              sliding(15*time.Minute, 10),
		ScopeLoginIdentifier:    sliding(15*time.Minute, 5),
		ScopeSignup:             bucket(3, 0.0166, time.Hour),
		ScopeMagicLinkVerify:    bucket(5, 0.0083, time.Hour),
		ScopeMagicLinkEmail:     fixed(time.Hour, 3),
		ScopeVerificationEmail:  fixed(time.Hour, 3),
		ScopePasswordResetEmail: fixed(time.Hour, 3),
		ScopeEmailChangeEmail:   fixed(time.Hour, 6),
		ScopeAccountDeleteEmail: fixed(time.Hour, 3),
		ScopePasswordReset:      fixed(time.Hour, 3),
		ScopeVerifyEmail:        sliding(5*time.Minute, 5),
		ScopeTwoFactor:          sliding(5*time.Minute, 5),
		ScopeTwoFactorDisable:   sliding(5*time.Minute, 5),
		ScopeRecoveryCode:       bucket(3, 0.0166, 2*time.Hour),
		ScopeOAuth:              fixed(time.Minute, 20),
		ScopeAccountDelete:      sliding(time.Hour, 3),
		ScopeAccountDeleteApply: sliding(time.Hour, 5),
	}
}

// New builds the limiter described by p.
func New(client redis.Cmdable, clk clock.Clock, scope string, p Policy) (Limiter, error) {
	switch p.Algorithm {
	case AlgorithmFixedWindow:
		return NewFixedWindow(client, clk, scope, p.Window, p.Max)
	case AlgorithmSlidingWindow:
		return NewSlidingWindow(client, clk, scope, p.Window, p.Max)
	case AlgorithmTokenBucket:
		return NewTokenBucket(client, clk, scope, p.Capacity, p.RefillPerSecond, p.TTL)
	default:
		return nil, fmt.Errorf("scope %s: unknown algorithm %q", scope, p.Algorithm)
	}
}

// Build constructs a limiter for every policy.
func Build(client redis.Cmdable, clk clock.Clock, policies map[string]Policy) (map[string]Limiter, error) {
	limiters := make(map[string]Limiter, len(policies))
	for scope, p := range policies {
		l, err := New(client, clk, scope, p)
		if err != nil {
			return nil, err
		}
		limiters[scope] = l
	}
	return limiters, nil
}
