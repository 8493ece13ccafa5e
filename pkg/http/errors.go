package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Machine-readable error codes returned in ErrorResponse.Error.
const (
	CodeValidation      = "validation_error"
	CodeRateLimit       = "rate_limit"
	CodeAuthentication  = "authentication_error"
	CodeAuthorization   = "authorization_error"
	CodeInvalidCode     = "invalid_code"
	CodeEmailUnverified = "email_unverified"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeServer          = "server_error"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	// RetryAfter is set on rate_limit responses, in seconds.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// WriteJSON writes v as a JSON body with statusCode.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message, Details: details})
}

func WriteValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidation, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeAuthentication, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeAuthorization, message)
}

// WriteInvalidCode is used for wrong and expired codes alike.
func WriteInvalidCode(w http.ResponseWriter) {
	WriteError(w, http.StatusBadRequest, CodeInvalidCode, "The code is invalid or has expired")
}

func WriteEmailUnverified(w http.ResponseWriter) {
	WriteError(w, http.StatusForbidden, CodeEmailUnverified, "Please verify your email address before signing in")
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeServer, message)
}

// RateLimitInfo is what a 429 response advertises.
type RateLimitInfo struct {
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// WriteRateLimited writes a 429 with Retry-After and X-RateLimit-* headers.
// Retry-After is rounded up and never below one second.
func WriteRateLimited(w http.ResponseWriter, info RateLimitInfo, now time.Time) {
	retry := int64(info.ResetAt.Sub(now).Seconds())
	if info.ResetAt.Sub(now) > time.Duration(retry)*time.Second {
		retry++
	}
	if retry < 1 {
		retry = 1
	}

	h := w.Header()
	h.Set("Retry-After", strconv.FormatInt(retry, 10))
	if info.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	}
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

	WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      CodeRateLimit,
		Message:    "Too many requests, please try again later",
		RetryAfter: retry,
	})
}
