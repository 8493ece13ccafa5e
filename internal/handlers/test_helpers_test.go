package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/BradenHooton/bastion/pkg/clock"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow    = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func newTestCookies() *auth.Cookies {
	return auth.NewCookies(auth.CookieConfig{SameSite: "lax"}, func() time.Time { return testNow })
}

func newTestClock() *clock.Mock {
	return clock.NewMock(testNow)
}

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51000"
	return req
}

// WithSession attaches a session the way SessionMiddleware.Require does.
func WithSession(req *http.Request, userID, sessionID string) *http.Request {
	info := &models.SessionInfo{
		SessionID:     sessionID,
		UserID:        userID,
		Email:         "alice@example.com",
		EmailVerified: true,
		ExpiresAt:     testNow.Add(14 * 24 * time.Hour),
	}
	return req.WithContext(auth.WithSession(req.Context(), info))
}

// WithURLParam sets a chi route parameter on req.
func WithURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	if target != nil {
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// findCookie returns the last Set-Cookie for name, or nil.
func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			found = c
		}
	}
	return found
}

func issuedResult(user *models.User) *services.AuthResult {
	return &services.AuthResult{
		Status: services.AuthStatusSessionIssued,
		Session: &models.IssuedSession{
			SessionID: "sess-1",
			Token:     "encrypted-token",
			ExpiresAt: testNow.Add(14 * 24 * time.Hour),
		},
		User: user,
	}
}

func testUser() *models.User {
	return &models.User{
		ID:            "user-1",
		FullName:      "Alice Example",
		Email:         "alice@example.com",
		EmailVerified: true,
	}
}

// MockAuthenticator implements handlers.Authenticator for testing
type MockAuthenticator struct {
	AuthenticateFunc func(ctx context.Context, req services.AuthRequest) (*services.AuthResult, error)
	CompleteMFAFunc  func(ctx context.Context, req services.CompleteMFARequest) (*services.AuthResult, error)
	LogoutFunc       func(ctx context.Context, sessionID string) error
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, req services.AuthRequest) (*services.AuthResult, error) {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthenticator) CompleteMFA(ctx context.Context, req services.CompleteMFARequest) (*services.AuthResult, error) {
	if m.CompleteMFAFunc != nil {
		return m.CompleteMFAFunc(ctx, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthenticator) Logout(ctx context.Context, sessionID string) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, sessionID)
	}
	return nil
}

// MockOAuthFlow implements handlers.OAuthFlow for testing
type MockOAuthFlow struct {
	EnabledProviders map[models.LoginMethod]bool
	AuthCodeURLFunc  func(provider models.LoginMethod) (string, string, error)
	ExchangeFunc     func(ctx context.Context, provider models.LoginMethod, stateCookie, stateParam, code string) (*models.OAuthProfile, error)
}

func (m *MockOAuthFlow) Enabled(provider models.LoginMethod) bool {
	return m.EnabledProviders[provider]
}

func (m *MockOAuthFlow) AuthCodeURL(provider models.LoginMethod) (string, string, error) {
	if m.AuthCodeURLFunc != nil {
		return m.AuthCodeURLFunc(provider)
	}
	return "", "", models.ErrNotFound
}

func (m *MockOAuthFlow) Exchange(ctx context.Context, provider models.LoginMethod, stateCookie, stateParam, code string) (*models.OAuthProfile, error) {
	if m.ExchangeFunc != nil {
		return m.ExchangeFunc(ctx, provider, stateCookie, stateParam, code)
	}
	return nil, models.ErrUnauthorized
}

// MockAccountManager implements handlers.AccountManager for testing. Unset
// funcs return zero values.
type MockAccountManager struct {
	SignupFunc                 func(ctx context.Context, req services.SignupRequest) (*models.User, string, error)
	RequestVerificationFunc    func(ctx context.Context, email string) (string, error)
	VerifyEmailFunc            func(ctx context.Context, id, code, ip string) error
	RequestMagicLinkFunc       func(ctx context.Context, email string) (string, error)
	RequestPasswordResetFunc   func(ctx context.Context, email string) error
	ResetPasswordFunc          func(ctx context.Context, id, newPassword, ip string) error
	ChangePasswordFunc         func(ctx context.Context, userID, currentSessionID, oldPassword, newPassword, ip string) error
	RequestEmailChangeCodeFunc func(ctx context.Context, userID string, target services.EmailChangeTarget, newEmail string) (string, error)
	ChangeEmailFunc            func(ctx context.Context, userID string, req services.ChangeEmailRequest) error
	RequestAccountDeletionFunc func(ctx context.Context, userID, email, ip string) (string, error)
	DeleteAccountFunc          func(ctx context.Context, userID, id, email, code, ip string) error
	GetAccountInfoFunc         func(ctx context.Context, userID string) (*models.AccountInfo, error)
	ListSessionsFunc           func(ctx context.Context, userID, currentSessionID string) ([]models.SessionSummary, error)
	RevokeSessionFunc          func(ctx context.Context, userID, sessionID, ip string) error
	RevokeOtherSessionsFunc    func(ctx context.Context, userID, currentSessionID, ip string) (int, error)
}

func (m *MockAccountManager) Signup(ctx context.Context, req services.SignupRequest) (*models.User, string, error) {
	if m.SignupFunc != nil {
		return m.SignupFunc(ctx, req)
	}
	return nil, "", nil
}

func (m *MockAccountManager) RequestVerification(ctx context.Context, email string) (string, error) {
	if m.RequestVerificationFunc != nil {
		return m.RequestVerificationFunc(ctx, email)
	}
	return "", nil
}

func (m *MockAccountManager) VerifyEmail(ctx context.Context, id, code, ip string) error {
	if m.VerifyEmailFunc != nil {
		return m.VerifyEmailFunc(ctx, id, code, ip)
	}
	return nil
}

func (m *MockAccountManager) RequestMagicLink(ctx context.Context, email string) (string, error) {
	if m.RequestMagicLinkFunc != nil {
		return m.RequestMagicLinkFunc(ctx, email)
	}
	return "", nil
}

func (m *MockAccountManager) RequestPasswordReset(ctx context.Context, email string) error {
	if m.RequestPasswordResetFunc != nil {
		return m.RequestPasswordResetFunc(ctx, email)
	}
	return nil
}

func (m *MockAccountManager) ResetPassword(ctx context.Context, id, newPassword, ip string) error {
	if m.ResetPasswordFunc != nil {
		return m.ResetPasswordFunc(ctx, id, newPassword, ip)
	}
	return nil
}

func (m *MockAccountManager) ChangePassword(ctx context.Context, userID, currentSessionID, oldPassword, newPassword, ip string) error {
	if m.ChangePasswordFunc != nil {
		return m.ChangePasswordFunc(ctx, userID, currentSessionID, oldPassword, newPassword, ip)
	}
	return nil
}

func (m *MockAccountManager) RequestEmailChangeCode(ctx context.Context, userID string, target services.EmailChangeTarget, newEmail string) (string, error) {
	if m.RequestEmailChangeCodeFunc != nil {
		return m.RequestEmailChangeCodeFunc(ctx, userID, target, newEmail)
	}
	return "", nil
}

func (m *MockAccountManager) ChangeEmail(ctx context.Context, userID string, req services.ChangeEmailRequest) error {
	if m.ChangeEmailFunc != nil {
		return m.ChangeEmailFunc(ctx, userID, req)
	}
	return nil
}

func (m *MockAccountManager) RequestAccountDeletion(ctx context.Context, userID, email, ip string) (string, error) {
	if m.RequestAccountDeletionFunc != nil {
		return m.RequestAccountDeletionFunc(ctx, userID, email, ip)
	}
	return "", nil
}

func (m *MockAccountManager) DeleteAccount(ctx context.Context, userID, id, email, code, ip string) error {
	if m.DeleteAccountFunc != nil {
		return m.DeleteAccountFunc(ctx, userID, id, email, code, ip)
	}
	return nil
}

func (m *MockAccountManager) GetAccountInfo(ctx context.Context, userID string) (*models.AccountInfo, error) {
	if m.GetAccountInfoFunc != nil {
		return m.GetAccountInfoFunc(ctx, userID)
	}
	return &models.AccountInfo{User: testUser()}, nil
}

func (m *MockAccountManager) ListSessions(ctx context.Context, userID, currentSessionID string) ([]models.SessionSummary, error) {
	if m.ListSessionsFunc != nil {
		return m.ListSessionsFunc(ctx, userID, currentSessionID)
	}
	return nil, nil
}

func (m *MockAccountManager) RevokeSession(ctx context.Context, userID, sessionID, ip string) error {
	if m.RevokeSessionFunc != nil {
		return m.RevokeSessionFunc(ctx, userID, sessionID, ip)
	}
	return nil
}

func (m *MockAccountManager) RevokeOtherSessions(ctx context.Context, userID, currentSessionID, ip string) (int, error) {
	if m.RevokeOtherSessionsFunc != nil {
		return m.RevokeOtherSessionsFunc(ctx, userID, currentSessionID, ip)
	}
	return 0, nil
}

// MockMFAManager implements handlers.MFAManager for testing
type MockMFAManager struct {
	BeginEnrollmentFunc     func(ctx context.Context, userID string) (*models.MFAEnrollment, error)
	EnableMFAFunc           func(ctx context.Context, userID, currentSessionID, code, ip string) ([]string, error)
	DisableMFAFunc          func(ctx context.Context, userID, code string, kind models.MFACodeKind, ip string) error
	RotateRecoveryCodesFunc func(ctx context.Context, userID, ip string) ([]string, error)
	ListRecoveryCodesFunc   func(ctx context.Context, userID string) ([]string, error)
}

func (m *MockMFAManager) BeginEnrollment(ctx context.Context, userID string) (*models.MFAEnrollment, error) {
	if m.BeginEnrollmentFunc != nil {
		return m.BeginEnrollmentFunc(ctx, userID)
	}
	return &models.MFAEnrollment{}, nil
}

func (m *MockMFAManager) EnableMFA(ctx context.Context, userID, currentSessionID, code, ip string) ([]string, error) {
	if m.EnableMFAFunc != nil {
		return m.EnableMFAFunc(ctx, userID, currentSessionID, code, ip)
	}
	return nil, nil
}

func (m *MockMFAManager) DisableMFA(ctx context.Context, userID, code string, kind models.MFACodeKind, ip string) error {
	if m.DisableMFAFunc != nil {
		return m.DisableMFAFunc(ctx, userID, code, kind, ip)
	}
	return nil
}

func (m *MockMFAManager) RotateRecoveryCodes(ctx context.Context, userID, ip string) ([]string, error) {
	if m.RotateRecoveryCodesFunc != nil {
		return m.RotateRecoveryCodesFunc(ctx, userID, ip)
	}
	return nil, nil
}

func (m *MockMFAManager) ListRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	if m.ListRecoveryCodesFunc != nil {
		return m.ListRecoveryCodesFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}
