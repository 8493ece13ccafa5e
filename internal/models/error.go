package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// ErrValidation is the validation class of the error taxonomy.
	ErrValidation = ErrBadRequest

	// Authentication outcomes
	ErrInvalidCredentials = errors.New("incorrect email or password")
	ErrEmailNotVerified   = errors.New("email address not verified")
	ErrAccountBanned      = errors.New("account is banned")
	ErrSessionNotFound    = errors.New("session not found")
	ErrChallengeNotFound  = errors.New("mfa challenge not found or expired")

	// ErrInvalidCode covers both wrong and expired one-time codes; callers
	// never learn which.
	ErrInvalidCode = errors.New("invalid or expired code")

	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// MFA state
	ErrMFAAlreadyEnabled = errors.New("two-factor authentication already enabled")
	ErrMFANotEnabled     = errors.New("two-factor authentication not enabled")
	ErrMFASetupNotFound  = errors.New("two-factor setup not started or expired")
)
