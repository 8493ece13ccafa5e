package middleware

import (
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/httprate"
)

// FloodGuardConfig is the coarse in-process per-IP cap applied to the whole
// auth surface before any Redis-backed limiter is consulted.
type FloodGuardConfig struct {
	RequestsPerMinute int
}

// DefaultFloodGuard allows generous bursts; the per-scope limiters do the
// real work.
func DefaultFloodGuard() FloodGuardConfig {
	return FloodGuardConfig{RequestsPerMinute: 120}
}

// FloodGuard rate limits by client IP using resolver so that trusted proxy
// headers are honoured consistently with the rest of the service.
func FloodGuard(config FloodGuardConfig, resolver *pkghttp.IPResolver) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return resolver.ClientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteRateLimited(w, pkghttp.RateLimitInfo{
				Limit:   int64(config.RequestsPerMinute),
				ResetAt: time.Now().Add(time.Minute),
			}, time.Now())
		}),
	)
}
