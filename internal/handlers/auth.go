package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/BradenHooton/bastion/pkg/clock"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Authenticator is the login side of services.AuthService.
type Authenticator interface {
	Authenticate(ctx context.Context, req services.AuthRequest) (*services.AuthResult, error)
	CompleteMFA(ctx context.Context, req services.CompleteMFARequest) (*services.AuthResult, error)
	Logout(ctx context.Context, sessionID string) error
}

// OAuthFlow is implemented by services.OAuthService.
type OAuthFlow interface {
	Enabled(provider models.LoginMethod) bool
	AuthCodeURL(provider models.LoginMethod) (string, string, error)
	Exchange(ctx context.Context, provider models.LoginMethod, stateCookie, stateParam, code string) (*models.OAuthProfile, error)
}

// AuthHandlerOptions configures cookie lifetimes and where browser flows
// land after an OAuth callback.
type AuthHandlerOptions struct {
	ChallengeTTL time.Duration
	StateTTL     time.Duration
	AppURL       string
}

// AuthHandler handles the login endpoints. Every successful login ends in
// either a session cookie or an mfa_challenge cookie.
type AuthHandler struct {
	auth    Authenticator
	oauth   OAuthFlow
	cookies *auth.Cookies
	ip      *pkghttp.IPResolver
	clock   clock.Clock
	opts    AuthHandlerOptions
	logger  *slog.Logger
}

func NewAuthHandler(authenticator Authenticator, oauth OAuthFlow, cookies *auth.Cookies, ip *pkghttp.IPResolver, clk clock.Clock, opts AuthHandlerOptions, logger *slog.Logger) *AuthHandler {
	if ip == nil {
		ip = pkghttp.NewIPResolver(nil)
	}
	return &AuthHandler{
		auth:    authenticator,
		oauth:   oauth,
		cookies: cookies,
		ip:      ip,
		clock:   clk,
		opts:    opts,
		logger:  logger,
	}
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.auth.Authenticate(r.Context(), services.AuthRequest{
		Method:     models.LoginMethodPassword,
		Identifier: req.Email,
		Password:   req.Password,
		IPAddress:  h.ip.ClientIP(r),
		UserAgent:  pkghttp.UserAgent(r),
	})
	if err != nil {
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}
	h.writeAuthResult(w, result)
}

// VerifyMagicLink handles POST /auth/magic-link/verify
func (h *AuthHandler) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req MagicLinkVerifyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id := auth.Read(r, auth.MagicLinkCookieName)
	if id == "" {
		id = req.VerificationID
	}
	if id == "" {
		writeValidation(w, "verification_id: this field is required")
		return
	}

	result, err := h.auth.Authenticate(r.Context(), services.AuthRequest{
		Method:         models.LoginMethodMagicLink,
		VerificationID: id,
		Code:           req.Code,
		IPAddress:      h.ip.ClientIP(r),
		UserAgent:      pkghttp.UserAgent(r),
	})
	if err != nil {
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}
	h.cookies.ClearVerification(w, auth.MagicLinkCookieName)
	h.writeAuthResult(w, result)
}

// VerifyTwoFactor handles POST /auth/2fa/verify
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req TwoFactorRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	h.completeMFA(w, r, req.Code, models.MFACodeTOTP)
}

// VerifyRecoveryCode handles POST /auth/2fa/recovery
func (h *AuthHandler) VerifyRecoveryCode(w http.ResponseWriter, r *http.Request) {
	var req RecoveryCodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	h.completeMFA(w, r, req.Code, models.MFACodeRecovery)
}

func (h *AuthHandler) completeMFA(w http.ResponseWriter, r *http.Request, code string, kind models.MFACodeKind) {
	token := auth.Read(r, auth.MFAChallengeCookieName)
	if token == "" {
		writeServiceError(w, r, models.ErrChallengeNotFound, h.clock.Now(), h.logger)
		return
	}

	result, err := h.auth.CompleteMFA(r.Context(), services.CompleteMFARequest{
		ChallengeToken: token,
		Code:           code,
		Kind:           kind,
		IPAddress:      h.ip.ClientIP(r),
		UserAgent:      pkghttp.UserAgent(r),
	})
	if err != nil {
		if errors.Is(err, models.ErrChallengeNotFound) {
			h.cookies.ClearMFAChallenge(w)
		}
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}
	h.writeAuthResult(w, result)
}

// Logout handles POST /auth/logout. It always clears the cookie, even when
// the session was already gone.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if info := auth.GetSessionFromContext(r.Context()); info != nil {
		if err := h.auth.Logout(r.Context(), info.SessionID); err != nil {
			h.logger.Error("failed to delete session on logout", slog.Any("error", err))
		}
	}
	h.cookies.ClearSession(w)
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Signed out"})
}

// OAuthStart handles GET /auth/oauth/{provider}
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(r)
	if !ok {
		pkghttp.WriteNotFound(w, "Unknown sign-in provider")
		return
	}

	authURL, state, err := h.oauth.AuthCodeURL(provider)
	if err != nil {
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}
	h.cookies.SetOAuthState(w, state, h.opts.StateTTL)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback handles GET /auth/oauth/{provider}/callback. Browser flows
// end in a redirect to the app, with ?error=<reason> on failure.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(r)
	if !ok {
		pkghttp.WriteNotFound(w, "Unknown sign-in provider")
		return
	}

	stateCookie := auth.Read(r, auth.OAuthStateCookieName)
	h.cookies.ClearOAuthState(w)

	q := r.URL.Query()
	if q.Get("error") != "" {
		h.redirectToApp(w, r, "/login", "oauth_denied")
		return
	}

	profile, err := h.oauth.Exchange(r.Context(), provider, stateCookie, q.Get("state"), q.Get("code"))
	if err != nil {
		h.logger.Warn("oauth callback rejected",
			slog.String("provider", provider.String()),
			slog.Any("error", err))
		h.redirectToApp(w, r, "/login", "oauth_failed")
		return
	}

	result, err := h.auth.Authenticate(r.Context(), services.AuthRequest{
		Method:       provider,
		OAuthProfile: profile,
		IPAddress:    h.ip.ClientIP(r),
		UserAgent:    pkghttp.UserAgent(r),
	})
	if err != nil {
		h.redirectToApp(w, r, "/login", services.RejectReason(err))
		return
	}

	switch result.Status {
	case services.AuthStatusMFARequired:
		h.cookies.SetMFAChallenge(w, result.ChallengeToken, h.opts.ChallengeTTL)
		h.redirectToApp(w, r, "/2fa", "")
	default:
		h.cookies.SetSession(w, result.Session.Token, result.Session.ExpiresAt)
		h.redirectToApp(w, r, "/", "")
	}
}

func (h *AuthHandler) oauthProvider(r *http.Request) (models.LoginMethod, bool) {
	provider, err := models.ParseLoginMethod(chi.URLParam(r, "provider"))
	if err != nil || !provider.IsOAuth() || !h.oauth.Enabled(provider) {
		return "", false
	}
	return provider, true
}

func (h *AuthHandler) redirectToApp(w http.ResponseWriter, r *http.Request, path, reason string) {
	target := strings.TrimRight(h.opts.AppURL, "/") + path
	if reason != "" {
		target += "?" + url.Values{"error": {reason}}.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *AuthHandler) writeAuthResult(w http.ResponseWriter, result *services.AuthResult) {
	if result.Status == services.AuthStatusMFARequired {
		h.cookies.SetMFAChallenge(w, result.ChallengeToken, h.opts.ChallengeTTL)
		pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{Status: string(result.Status)})
		return
	}

	h.cookies.SetSession(w, result.Session.Token, result.Session.ExpiresAt)
	h.cookies.ClearMFAChallenge(w)
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		Status:                 string(result.Status),
		User:                   toUserResponse(result.User),
		RecoveryCodesRemaining: result.RecoveryCodesRemaining,
	})
}
