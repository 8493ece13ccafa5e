package integration

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/testutil"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

var (
	sharedDB    *TestDB
	sharedRedis *testutil.TestRedis
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping integration tests in short mode")
		os.Exit(0)
	}

	ctx := context.Background()
	var err error
	sharedDB, err = SetupTestDatabase(ctx)
	if err != nil {
		fmt.Printf("skipping integration tests: %v\n", err)
		os.Exit(0)
	}
	sharedRedis, err = testutil.SetupTestRedis(ctx)
	if err != nil {
		sharedDB.Teardown(ctx)
		fmt.Printf("skipping integration tests: %v\n", err)
		os.Exit(0)
	}

	code := m.Run()

	sharedRedis.Teardown(ctx)
	sharedDB.Teardown(ctx)
	os.Exit(code)
}

func newServer(t *testing.T) *TestServer {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sharedDB.CleanupTables(ctx))
	require.NoError(t, sharedRedis.Flush(ctx))
	return NewTestServer(t, sharedDB, sharedRedis.Client)
}

func login(t *testing.T, c *Client, email, password string) handlers.LoginResponse {
	t.Helper()
	var resp handlers.LoginResponse
	r := c.Do("POST", "/auth/login", handlers.LoginRequest{Email: email, Password: password}, &resp)
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))
	return resp
}

// enableMFA enrols the logged-in client and returns the secret and recovery codes.
func enableMFA(t *testing.T, s *TestServer, c *Client) (string, []string) {
	t.Helper()

	var setup handlers.MFASetupResponse
	r := c.Do("POST", "/auth/2fa/setup", nil, &setup)
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))
	require.NotEmpty(t, setup.Secret)

	code, err := s.TOTP.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	var codes handlers.RecoveryCodesResponse
	r = c.Do("POST", "/auth/2fa/enable", handlers.MFAEnableRequest{Code: code}, &codes)
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))
	require.Len(t, codes.RecoveryCodes, 6)
	return setup.Secret, codes.RecoveryCodes
}

// ============================================================================
// Sign Up And Password Login Tests (2 tests)
// ============================================================================

func TestSignupVerifyAndLogin(t *testing.T) {
	s := newServer(t)
	c := s.NewClient(t)
	email, password := TestUser("signup")

	var signup handlers.LoginResponse
	r := c.Do("POST", "/auth/signup", handlers.SignupRequest{FullName: "Alice", Email: email, Password: password}, &signup)
	require.Equal(t, http.StatusCreated, r.StatusCode, statusMsg(r))
	assert.Equal(t, "verification_required", signup.Status)
	assert.Empty(t, c.Cookie(auth.SessionCookieName))

	sent := s.Mailer.LastTo(email)
	require.NotNil(t, sent)
	code := ExtractCode(sent.Body)
	require.Len(t, code, 6)

	r = c.Do("POST", "/auth/email/verify", handlers.VerifyEmailRequest{Code: code}, nil)
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))

	resp := login(t, c, email, password)
	assert.Equal(t, "session_issued", resp.Status)
	require.NotEmpty(t, c.Cookie(auth.SessionCookieName))

	var me handlers.AccountResponse
	r = c.Do("GET", "/auth/me", nil, &me)
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))
	assert.True(t, me.User.EmailVerified)
	assert.NotEmpty(t, me.RecentLogins)
}

func TestLogin_UnverifiedEmailRejected(t *testing.T) {
	s := newServer(t)
	c := s.NewClient(t)
	email, password := TestUser("unverified")

	user, err := SeedUser(context.Background(), s.DB.Pool, email, password, false)
	require.NoError(t, err)

	var errResp pkghttp.ErrorResponse
	r := c.Do("POST", "/auth/login", handlers.LoginRequest{Email: email, Password: password}, &errResp)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)
	assert.Equal(t, pkghttp.CodeEmailUnverified, errResp.Error)
	assert.Empty(t, c.Cookie(auth.SessionCookieName))

	n, err := CountSessions(context.Background(), s.DB.Pool, user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ============================================================================
// MFA Tests (2 tests)
// ============================================================================

func TestMFA_ChallengeIsConsumedOnce(t *testing.T) {
	s := newServer(t)
	email, password := TestUser("mfa")
	_, err := SeedUser(context.Background(), s.DB.Pool, email, password, true)
	require.NoError(t, err)

	owner := s.NewClient(t)
	login(t, owner, email, password)
	secret, _ := enableMFA(t, s, owner)

	c := s.NewClient(t)
	resp := login(t, c, email, password)
	require.Equal(t, "mfa_required", resp.Status)
	assert.Empty(t, c.Cookie(auth.SessionCookieName))
	challenge := c.Cookie(auth.MFAChallengeCookieName)
	require.NotEmpty(t, challenge)

	// Next step so the code differs from the one spent on enrolment.
	code, err := s.TOTP.GenerateCode(secret, time.Now().Add(30*time.Second))
	require.NoError(t, err)

	var done handlers.LoginResponse
	r := c.Do("POST", "/auth/2fa/verify", handlers.TwoFactorRequest{Code: code}, &done)
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))
	assert.Equal(t, "session_issued", done.Status)
	assert.NotEmpty(t, c.Cookie(auth.SessionCookieName))

	replay := s.NewClient(t)
	replay.SetCookie(auth.MFAChallengeCookieName, challenge)
	var errResp pkghttp.ErrorResponse
	r = replay.Do("POST", "/auth/2fa/verify", handlers.TwoFactorRequest{Code: code}, &errResp)
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
	assert.Equal(t, pkghttp.CodeAuthentication, errResp.Error)
}

func TestMFA_RecoveryCodeIsSingleUse(t *testing.T) {
	s := newServer(t)
	email, password := TestUser("recovery")
	user, err := SeedUser(context.Background(), s.DB.Pool, email, password, true)
	require.NoError(t, err)

	owner := s.NewClient(t)
	login(t, owner, email, password)
	_, codes := enableMFA(t, s, owner)
	c3 := codes[2]

	first := s.NewClient(t)
	require.Equal(t, "mfa_required", login(t, first, email, password).Status)
	r := first.Do("POST", "/auth/2fa/recovery", handlers.RecoveryCodeRequest{Code: c3}, nil)
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))

	left, err := CountUnusedRecoveryCodes(context.Background(), s.DB.Pool, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, left)

	r, body := owner.Text("/auth/2fa/recovery-codes")
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))
	assert.Contains(t, r.Header.Get("Content-Disposition"), "attachment")
	downloaded := strings.Fields(body)
	assert.Len(t, downloaded, 5)
	assert.NotContains(t, downloaded, c3)

	second := s.NewClient(t)
	require.Equal(t, "mfa_required", login(t, second, email, password).Status)
	var errResp pkghttp.ErrorResponse
	r = second.Do("POST", "/auth/2fa/recovery", handlers.RecoveryCodeRequest{Code: c3}, &errResp)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	assert.Equal(t, pkghttp.CodeInvalidCode, errResp.Error)
	assert.Empty(t, second.Cookie(auth.SessionCookieName))
}

// ============================================================================
// Session And Rate Limit Tests (2 tests)
// ============================================================================

func TestRevokeOtherSessions_KeepsCurrent(t *testing.T) {
	s := newServer(t)
	email, password := TestUser("sessions")
	_, err := SeedUser(context.Background(), s.DB.Pool, email, password, true)
	require.NoError(t, err)

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = s.NewClient(t)
		login(t, clients[i], email, password)
		r := clients[i].Do("GET", "/auth/me", nil, nil)
		require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))
	}

	var revoked handlers.RevokeSessionsResponse
	r := clients[1].Do("DELETE", "/auth/sessions", nil, &revoked)
	require.Equal(t, http.StatusOK, r.StatusCode, statusMsg(r))
	assert.Equal(t, 2, revoked.Revoked)

	assert.Equal(t, http.StatusOK, clients[1].Do("GET", "/auth/me", nil, nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, clients[0].Do("GET", "/auth/me", nil, nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, clients[2].Do("GET", "/auth/me", nil, nil).StatusCode)
}

func TestMagicLink_ResendIsRateLimited(t *testing.T) {
	s := newServer(t)
	c := s.NewClient(t)
	email, _ := TestUser("magic")

	for i := 0; i < 3; i++ {
		r := c.Do("POST", "/auth/magic-link", handlers.EmailRequest{Email: email}, nil)
		require.Equal(t, http.StatusAccepted, r.StatusCode, "request %d: %s", i+1, statusMsg(r))
	}

	var errResp pkghttp.ErrorResponse
	r := c.Do("POST", "/auth/magic-link", handlers.EmailRequest{Email: email}, &errResp)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode)
	assert.Equal(t, pkghttp.CodeRateLimit, errResp.Error)
	assert.Positive(t, errResp.RetryAfter)

	reset, err := strconv.ParseInt(r.Header.Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().Unix())
}
