package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	sessionContextKey contextKey = "session"
	tokenContextKey   contextKey = "session_token"
)

// SessionValidator is the part of the session store the middleware needs.
type SessionValidator interface {
	Lookup(ctx context.Context, token string) (*models.SessionInfo, error)
	Extend(ctx context.Context, sessionID string, expiresAt time.Time) (time.Time, bool, error)
}

// SessionMiddleware resolves the session cookie on every request. A session
// close to expiry is renewed and the cookie re-issued with the new expiry.
type SessionMiddleware struct {
	sessions SessionValidator
	cookies  *Cookies
	logger   *slog.Logger
}

func NewSessionMiddleware(sessions SessionValidator, cookies *Cookies, logger *slog.Logger) *SessionMiddleware {
	return &SessionMiddleware{sessions: sessions, cookies: cookies, logger: logger}
}

func (m *SessionMiddleware) resolve(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
	token := Read(r, SessionCookieName)
	if token == "" {
		return r, models.ErrSessionNotFound
	}

	info, err := m.sessions.Lookup(r.Context(), token)
	if err != nil {
		return r, err
	}

	expiresAt, renewed, err := m.sessions.Extend(r.Context(), info.SessionID, info.ExpiresAt)
	if err != nil {
		// The session is still valid; renewal can happen on the next request.
		m.logger.Warn("session renewal failed",
			slog.String("session_id_prefix", prefix(info.SessionID)),
			slog.Any("error", err),
		)
	} else if renewed {
		info.ExpiresAt = expiresAt
		m.cookies.SetSession(w, token, expiresAt)
	}

	ctx := context.WithValue(r.Context(), sessionContextKey, info)
	ctx = context.WithValue(ctx, tokenContextKey, token)
	return r.WithContext(ctx), nil
}

// Require rejects requests without a valid session.
func (m *SessionMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, err := m.resolve(w, r)
		if err != nil {
			if !errors.Is(err, models.ErrSessionNotFound) {
				m.logger.Error("session lookup failed", slog.Any("error", err))
				pkghttp.WriteInternalError(w, "Unable to verify session")
				return
			}
			m.cookies.ClearSession(w)
			pkghttp.WriteUnauthorized(w, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Optional attaches the session when there is one and never rejects.
func (m *SessionMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, err := m.resolve(w, r)
		if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			m.logger.Warn("optional session lookup failed", slog.Any("error", err))
		}
		next.ServeHTTP(w, resolved)
	})
}

// GetSessionFromContext returns the session attached by the middleware.
func GetSessionFromContext(ctx context.Context) *models.SessionInfo {
	info, _ := ctx.Value(sessionContextKey).(*models.SessionInfo)
	return info
}

// GetSessionTokenFromContext returns the raw cookie value of the session.
func GetSessionTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// WithSession attaches info to ctx. Used by tests and internal callers.
func WithSession(ctx context.Context, info *models.SessionInfo) context.Context {
	return context.WithValue(ctx, sessionContextKey, info)
}

func prefix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
