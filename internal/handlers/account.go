package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/BradenHooton/bastion/pkg/clock"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// AccountManager is implemented by services.AccountService.
type AccountManager interface {
	Signup(ctx context.Context, req services.SignupRequest) (*models.User, string, error)
	RequestVerification(ctx context.Context, email string) (string, error)
	VerifyEmail(ctx context.Context, id, code, ip string) error
	RequestMagicLink(ctx context.Context, email string) (string, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, id, newPassword, ip string) error
	ChangePassword(ctx context.Context, userID, currentSessionID, oldPassword, newPassword, ip string) error
	RequestEmailChangeCode(ctx context.Context, userID string, target services.EmailChangeTarget, newEmail string) (string, error)
	ChangeEmail(ctx context.Context, userID string, req services.ChangeEmailRequest) error
	RequestAccountDeletion(ctx context.Context, userID, email, ip string) (string, error)
	DeleteAccount(ctx context.Context, userID, id, email, code, ip string) error
	GetAccountInfo(ctx context.Context, userID string) (*models.AccountInfo, error)
	ListSessions(ctx context.Context, userID, currentSessionID string) ([]models.SessionSummary, error)
	RevokeSession(ctx context.Context, userID, sessionID, ip string) error
	RevokeOtherSessions(ctx context.Context, userID, currentSessionID, ip string) (int, error)
}

// AccountHandler handles signup, email verification, password and email
// changes, account deletion and session management.
type AccountHandler struct {
	accounts AccountManager
	cookies  *auth.Cookies
	ip       *pkghttp.IPResolver
	clock    clock.Clock
	logger   *slog.Logger
}

func NewAccountHandler(accounts AccountManager, cookies *auth.Cookies, ip *pkghttp.IPResolver, clk clock.Clock, logger *slog.Logger) *AccountHandler {
	if ip == nil {
		ip = pkghttp.NewIPResolver(nil)
	}
	return &AccountHandler{
		accounts: accounts,
		cookies:  cookies,
		ip:       ip,
		clock:    clk,
		logger:   logger,
	}
}

func (h *AccountHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, err, h.clock.Now(), h.logger)
}

// Signup handles POST /auth/signup
func (h *AccountHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, verificationID, err := h.accounts.Signup(r.Context(), services.SignupRequest{
		FullName:  req.FullName,
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: h.ip.ClientIP(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.cookies.SetVerification(w, auth.EmailVerificationCookieName, verificationID, services.VerificationCodeTTL)
	pkghttp.WriteJSON(w, http.StatusCreated, LoginResponse{
		Status: "verification_required",
		User:   toUserResponse(user),
	})
}

// RequestVerification handles POST /auth/email/request-verification. The
// answer is the same whether or not the address has an account.
func (h *AccountHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id, err := h.accounts.RequestVerification(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.SetVerification(w, auth.EmailVerificationCookieName, id, services.VerificationCodeTTL)
	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{
		Message: "If the address needs verification, a code has been sent to it",
	})
}

// VerifyEmail handles POST /auth/email/verify
func (h *AccountHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id := auth.Read(r, auth.EmailVerificationCookieName)
	if id == "" {
		id = req.VerificationID
	}
	if id == "" {
		pkghttp.WriteInvalidCode(w)
		return
	}

	if err := h.accounts.VerifyEmail(r.Context(), id, req.Code, h.ip.ClientIP(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.ClearVerification(w, auth.EmailVerificationCookieName)
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Email address verified"})
}

// RequestMagicLink handles POST /auth/magic-link
func (h *AccountHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id, err := h.accounts.RequestMagicLink(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.SetVerification(w, auth.MagicLinkCookieName, id, services.MagicLinkTTL)
	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{Message: "Check your email for a sign-in link"})
}

// RequestPasswordReset handles POST /auth/password/request-reset
func (h *AccountHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{
		Message: "If an account exists for that address, a reset link has been sent",
	})
}

// ResetPassword handles POST /auth/password/reset
func (h *AccountHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.accounts.ResetPassword(r.Context(), req.VerificationID, req.Password, h.ip.ClientIP(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.ClearSession(w)
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Password updated, please sign in again"})
}

// Me handles GET /auth/me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	info, err := h.accounts.GetAccountInfo(r.Context(), session.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := AccountResponse{
		User:         toUserResponse(info.User),
		LoginMethods: info.LoginMethods,
		OAuthLinks:   info.OAuthLinks,
		RecentLogins: info.RecentLogins,
	}
	if resp.LoginMethods == nil {
		resp.LoginMethods = []models.LoginMethod{}
	}
	if resp.OAuthLinks == nil {
		resp.OAuthLinks = []models.OAuthLink{}
	}
	if resp.RecentLogins == nil {
		resp.RecentLogins = []models.LoginLog{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// ChangePassword handles PUT /auth/password. Other sessions are signed out.
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req ChangePasswordRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	err := h.accounts.ChangePassword(r.Context(), session.UserID, session.SessionID,
		req.CurrentPassword, req.NewPassword, h.ip.ClientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Password updated"})
}

// RequestEmailChange handles POST /auth/email/request-change. It is called
// once per address; each call sets its own verification cookie.
func (h *AccountHandler) RequestEmailChange(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req RequestEmailChangeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	target := services.EmailChangeTarget(req.Target)
	id, err := h.accounts.RequestEmailChangeCode(r.Context(), session.UserID, target, req.NewEmail)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	cookie := auth.EmailChangeCurrentCookieName
	if target == services.EmailChangeNew {
		cookie = auth.EmailChangeNewCookieName
	}
	h.cookies.SetVerification(w, cookie, id, services.EmailChangeCodeTTL)
	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{Message: "A confirmation code has been sent"})
}

// ChangeEmail handles PATCH /auth/email
func (h *AccountHandler) ChangeEmail(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req ChangeEmailRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	currentID := auth.Read(r, auth.EmailChangeCurrentCookieName)
	newID := auth.Read(r, auth.EmailChangeNewCookieName)
	if currentID == "" || newID == "" {
		pkghttp.WriteInvalidCode(w)
		return
	}

	err := h.accounts.ChangeEmail(r.Context(), session.UserID, services.ChangeEmailRequest{
		CurrentVerificationID: currentID,
		CurrentCode:           req.CurrentCode,
		NewVerificationID:     newID,
		NewCode:               req.NewCode,
		IPAddress:             h.ip.ClientIP(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.ClearVerification(w, auth.EmailChangeCurrentCookieName)
	h.cookies.ClearVerification(w, auth.EmailChangeNewCookieName)
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Email address updated"})
}

// RequestAccountDeletion handles POST /auth/account/request-deletion
func (h *AccountHandler) RequestAccountDeletion(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req EmailRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id, err := h.accounts.RequestAccountDeletion(r.Context(), session.UserID, req.Email, h.ip.ClientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.SetVerification(w, auth.AccountDeletionCookieName, id, services.AccountDeletionTTL)
	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{Message: "A confirmation code has been sent"})
}

// DeleteAccount handles POST /auth/account/delete
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req DeleteAccountRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id := auth.Read(r, auth.AccountDeletionCookieName)
	if id == "" {
		pkghttp.WriteInvalidCode(w)
		return
	}

	if err := h.accounts.DeleteAccount(r.Context(), session.UserID, id, req.Email, req.Code, h.ip.ClientIP(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.ClearVerification(w, auth.AccountDeletionCookieName)
	h.cookies.ClearSession(w)
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Account deleted"})
}

// requireSession returns the session attached by SessionMiddleware.Require.
func requireSession(w http.ResponseWriter, r *http.Request) (*models.SessionInfo, bool) {
	session := auth.GetSessionFromContext(r.Context())
	if session == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return nil, false
	}
	return session, true
}
