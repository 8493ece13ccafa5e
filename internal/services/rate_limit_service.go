package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/observability"
	"github.com/BradenHooton/bastion/internal/ratelimit"
)

// RateLimitService resolves named scopes to configured limiters.
type RateLimitService struct {
	limiters map[string]ratelimit.Limiter
	logger   *slog.Logger
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(limiters map[string]ratelimit.Limiter, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		limiters: limiters,
		logger:   logger,
	}
}

// CheckLimit records one attempt for identifier under scope. A denial is
// returned as *ratelimit.ExceededError. Store failures fail closed with
// models.ErrInternalServer.
func (s *RateLimitService) CheckLimit(ctx context.Context, scope, identifier string) error {
	_, err := s.Check(ctx, scope, identifier)
	return err
}

// Check is CheckLimit that also returns the limiter decision.
func (s *RateLimitService) Check(ctx context.Context, scope, identifier string) (ratelimit.Result, error) {
	limiter, ok := s.limiters[scope]
	if !ok {
		s.logger.Error("unknown rate limit scope", slog.String("scope", scope))
		return ratelimit.Result{}, fmt.Errorf("%w: unknown rate limit scope %q", models.ErrInternalServer, scope)
	}

	res, err := limiter.Check(ctx, identifier)
	if err != nil {
		observability.RateLimitErrors.WithLabelValues(scope).Inc()
		s.logger.Error("rate limit check failed",
			slog.String("scope", scope),
			slog.Any("error", err))
		return ratelimit.Result{}, errors.Join(models.ErrInternalServer, err)
	}

	if !res.Allowed {
		observability.RateLimitDecisions.WithLabelValues(scope, "denied").Inc()
		s.logger.Warn("rate limit exceeded",
			slog.String("scope", scope),
			slog.Int64("current", res.Current),
			slog.Time("reset_at", res.ResetAt))
		return res, &ratelimit.ExceededError{Scope: scope, Result: res}
	}

	observability.RateLimitDecisions.WithLabelValues(scope, "allowed").Inc()
	return res, nil
}
