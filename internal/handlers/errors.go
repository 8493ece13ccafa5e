package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/ratelimit"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

func writeValidation(w http.ResponseWriter, message string) {
	pkghttp.WriteValidationError(w, message)
}

// writeServiceError maps a service error onto the error taxonomy. Anything
// unrecognised is logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, now time.Time, logger *slog.Logger) {
	if ex, ok := ratelimit.AsExceeded(err); ok {
		pkghttp.WriteRateLimited(w, pkghttp.RateLimitInfo{
			Remaining: ex.Result.Remaining,
			ResetAt:   ex.Result.ResetAt,
		}, now)
		return
	}

	switch {
	case errors.Is(err, models.ErrRateLimitExceeded):
		pkghttp.WriteRateLimited(w, pkghttp.RateLimitInfo{}, now)
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteUnauthorized(w, "Incorrect email or password")
	case errors.Is(err, models.ErrEmailNotVerified):
		pkghttp.WriteEmailUnverified(w)
	case errors.Is(err, models.ErrAccountBanned):
		pkghttp.WriteForbidden(w, "This account has been suspended")
	case errors.Is(err, models.ErrChallengeNotFound):
		pkghttp.WriteUnauthorized(w, "The sign-in attempt has expired, please sign in again")
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, "Authentication required")
	case errors.Is(err, models.ErrInvalidCode):
		pkghttp.WriteInvalidCode(w)
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "You do not have access to this resource")
	case errors.Is(err, models.ErrMFAAlreadyEnabled):
		pkghttp.WriteConflict(w, "Two-factor authentication is already enabled")
	case errors.Is(err, models.ErrMFANotEnabled):
		writeValidation(w, "Two-factor authentication is not enabled")
	case errors.Is(err, models.ErrMFASetupNotFound):
		writeValidation(w, "Two-factor setup has not been started or has expired")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "An account with this email already exists")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Not found")
	case errors.Is(err, models.ErrValidation):
		writeValidation(w, validationMessage(err))
	default:
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// validationMessage strips the sentinel prefix from a wrapped validation
// error, leaving the caller-facing detail.
func validationMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), models.ErrValidation.Error()+": ")
	if msg == models.ErrValidation.Error() {
		return "Invalid request"
	}
	return msg
}
