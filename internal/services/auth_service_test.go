package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/ratelimit"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	pkgauth.BcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

const testPassword = "Correct-Horse-9-Battery"

func passwordUser(t *testing.T, id, email string, verified bool) *models.User {
	t.Helper()
	hash, err := pkgauth.HashPassword(testPassword)
	require.NoError(t, err)
	return &models.User{
		ID:              id,
		FullName:        "Test User",
		Email:           email,
		NormalizedEmail: pkgauth.NormalizeEmail(email),
		PasswordHash:    hash,
		EmailVerified:   verified,
	}
}

func passwordRequest(email, password string) AuthRequest {
	return AuthRequest{
		Method:     models.LoginMethodPassword,
		Identifier: email,
		Password:   password,
		IPAddress:  "203.0.113.7",
		UserAgent:  "test-agent",
	}
}

// ============================================================================
// Password Tests (6 tests)
// ============================================================================

func TestAuthService_Password_IssuesSession(t *testing.T) {
	user := passwordUser(t, "u1", "alice@example.com", true)
	env := newTestEnv(t, user)

	result, err := env.auth.Authenticate(context.Background(), passwordRequest("Alice@Example.com", testPassword))
	require.NoError(t, err)

	assert.Equal(t, AuthStatusSessionIssued, result.Status)
	require.NotNil(t, result.Session)
	assert.Equal(t, 1, env.sessionRepo.count())

	require.Len(t, env.loginLogs.Created, 1)
	assert.Equal(t, models.LoginMethodPassword, env.loginLogs.Created[0].Method)
	assert.Equal(t, result.Session.SessionID, env.loginLogs.Created[0].SessionID)
	assert.Equal(t, []string{models.EventLoginSucceeded}, env.events.types())

	assert.Equal(t, []string{
		ratelimit.ScopeLogin + "|203.0.113.7",
		ratelimit.ScopeLoginIdentifier + "|alice@example.com",
	}, env.limiter.Calls)
}

func TestAuthService_Password_WrongPassword(t *testing.T) {
	env := newTestEnv(t, passwordUser(t, "u1", "alice@example.com", true))

	result, err := env.auth.Authenticate(context.Background(), passwordRequest("alice@example.com", "wrong"))

	assert.Nil(t, result)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Equal(t, 0, env.sessionRepo.count())
	assert.Empty(t, env.loginLogs.Created)
	assert.Equal(t, []string{models.EventLoginFailed}, env.events.types())
}

func TestAuthService_Password_UnknownUserLooksTheSame(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.Authenticate(context.Background(), passwordRequest("nobody@example.com", testPassword))

	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestAuthService_Password_PasswordlessAccount(t *testing.T) {
	user := verifiedUser("u1", "alice@example.com")
	env := newTestEnv(t, user)

	_, err := env.auth.Authenticate(context.Background(), passwordRequest("alice@example.com", ""))

	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestAuthService_UnverifiedEmail_NoSession(t *testing.T) {
	env := newTestEnv(t, passwordUser(t, "u1", "alice@example.com", false))

	result, err := env.auth.Authenticate(context.Background(), passwordRequest("alice@example.com", testPassword))

	assert.Nil(t, result)
	assert.ErrorIs(t, err, models.ErrEmailNotVerified)
	assert.Equal(t, 0, env.sessionRepo.count())
	assert.Equal(t, "email_unverified", RejectReason(err))
}

func TestAuthService_BannedUser(t *testing.T) {
	user := passwordUser(t, "u1", "alice@example.com", true)
	user.IsBanned = true
	env := newTestEnv(t, user)

	_, err := env.auth.Authenticate(context.Background(), passwordRequest("alice@example.com", testPassword))

	assert.ErrorIs(t, err, models.ErrAccountBanned)
	assert.Equal(t, 0, env.sessionRepo.count())
}

// ============================================================================
// Rate Limit Ordering Tests (2 tests)
// ============================================================================

func TestAuthService_RateLimitedBeforeFirstFactor(t *testing.T) {
	env := newTestEnv(t)
	lookups := 0
	env.users.GetByNormalizedEmailFunc = func(context.Context, string) (*models.User, error) {
		lookups++
		return nil, models.ErrNotFound
	}
	env.limiter.DenyFn = func(scope, _ string) error {
		if scope == ratelimit.ScopeLoginIdentifier {
			return &ratelimit.ExceededError{Scope: scope, Result: ratelimit.Result{ResetAt: testNow.Add(time.Minute)}}
		}
		return nil
	}

	_, err := env.auth.Authenticate(context.Background(), passwordRequest("alice@example.com", testPassword))

	require.ErrorIs(t, err, models.ErrRateLimitExceeded)
	ex, ok := ratelimit.AsExceeded(err)
	require.True(t, ok)
	assert.Equal(t, ratelimit.ScopeLoginIdentifier, ex.Scope)
	assert.Equal(t, 0, lookups)
	assert.Equal(t, "rate_limited", RejectReason(err))
}

func TestAuthService_UnknownMethodRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.Authenticate(context.Background(), AuthRequest{Method: "saml"})

	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, env.limiter.Calls)
}

// ============================================================================
// MFA Tests (4 tests)
// ============================================================================

func TestAuthService_MFA_HappyPathAndTokenReuse(t *testing.T) {
	user := passwordUser(t, "u1", "alice@example.com", true)
	env := newTestEnv(t, user)
	secret, _ := env.enableMFA(t, user)
	ctx := context.Background()

	first, err := env.auth.Authenticate(ctx, passwordRequest("alice@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, AuthStatusMFARequired, first.Status)
	assert.NotEmpty(t, first.ChallengeToken)
	assert.Nil(t, first.Session)
	assert.Equal(t, 0, env.sessionRepo.count())

	code, err := env.totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)

	result, err := env.auth.CompleteMFA(ctx, CompleteMFARequest{
		ChallengeToken: first.ChallengeToken,
		Code:           code,
		Kind:           models.MFACodeTOTP,
		IPAddress:      "203.0.113.7",
	})
	require.NoError(t, err)
	assert.Equal(t, AuthStatusSessionIssued, result.Status)
	assert.Equal(t, 1, env.sessionRepo.count())
	require.Len(t, env.loginLogs.Created, 1)
	assert.Equal(t, models.LoginMethodPassword, env.loginLogs.Created[0].Method)

	_, err = env.auth.CompleteMFA(ctx, CompleteMFARequest{
		ChallengeToken: first.ChallengeToken,
		Code:           code,
		Kind:           models.MFACodeTOTP,
	})
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}

func TestAuthService_MFA_WrongCodeKeepsChallenge(t *testing.T) {
	user := passwordUser(t, "u1", "alice@example.com", true)
	env := newTestEnv(t, user)
	secret, _ := env.enableMFA(t, user)
	ctx := context.Background()

	first, err := env.auth.Authenticate(ctx, passwordRequest("alice@example.com", testPassword))
	require.NoError(t, err)

	_, err = env.auth.CompleteMFA(ctx, CompleteMFARequest{ChallengeToken: first.ChallengeToken, Code: "000000", Kind: models.MFACodeTOTP})
	require.ErrorIs(t, err, models.ErrInvalidCode)

	code, err := env.totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	_, err = env.auth.CompleteMFA(ctx, CompleteMFARequest{ChallengeToken: first.ChallengeToken, Code: code, Kind: models.MFACodeTOTP})
	assert.NoError(t, err)
}

func TestAuthService_MFA_ChallengeExpires(t *testing.T) {
	user := passwordUser(t, "u1", "alice@example.com", true)
	env := newTestEnv(t, user)
	secret, _ := env.enableMFA(t, user)
	ctx := context.Background()

	first, err := env.auth.Authenticate(ctx, passwordRequest("alice@example.com", testPassword))
	require.NoError(t, err)

	env.clock.Advance(2*time.Hour + time.Second)
	code, err := env.totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)

	_, err = env.auth.CompleteMFA(ctx, CompleteMFARequest{ChallengeToken: first.ChallengeToken, Code: code, Kind: models.MFACodeTOTP})
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}

func TestAuthService_MFA_RecoveryCodeIsSingleUse(t *testing.T) {
	user := passwordUser(t, "u1", "alice@example.com", true)
	env := newTestEnv(t, user)
	_, codes := env.enableMFA(t, user)
	ctx := context.Background()

	login := func() string {
		res, err := env.auth.Authenticate(ctx, passwordRequest("alice@example.com", testPassword))
		require.NoError(t, err)
		return res.ChallengeToken
	}

	result, err := env.auth.CompleteMFA(ctx, CompleteMFARequest{ChallengeToken: login(), Code: codes[0], Kind: models.MFACodeRecovery})
	require.NoError(t, err)
	require.NotNil(t, result.RecoveryCodesRemaining)
	assert.Equal(t, 5, *result.RecoveryCodesRemaining)

	_, err = env.auth.CompleteMFA(ctx, CompleteMFARequest{ChallengeToken: login(), Code: codes[0], Kind: models.MFACodeRecovery})
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	remaining, err := env.mfa.RecoveryCodesRemaining(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)

	assert.Contains(t, env.limiter.Calls, ratelimit.ScopeRecoveryCode+"|")
}

// ============================================================================
// Magic Link Tests (3 tests)
// ============================================================================

func TestAuthService_MagicLink_CreatesVerifiedUser(t *testing.T) {
	env := newTestEnv(t)
	var created *models.User
	env.users.CreateFunc = func(_ context.Context, u *models.User, method models.LoginMethod) (*models.User, error) {
		assert.Equal(t, models.LoginMethodMagicLink, method)
		u.ID = "new-user"
		created = u
		return u, nil
	}
	ctx := context.Background()

	id, err := env.accounts.RequestMagicLink(ctx, "New@Example.com")
	require.NoError(t, err)
	sent := env.email.last()
	assert.Equal(t, id, sent.ID)

	result, err := env.auth.Authenticate(ctx, AuthRequest{
		Method:         models.LoginMethodMagicLink,
		VerificationID: id,
		Code:           sent.Code,
		IPAddress:      "203.0.113.7",
	})
	require.NoError(t, err)
	assert.Equal(t, AuthStatusSessionIssued, result.Status)
	require.NotNil(t, created)
	assert.True(t, created.EmailVerified)
	assert.Equal(t, "new@example.com", created.Email)
}

func TestAuthService_MagicLink_SingleUse(t *testing.T) {
	env := newTestEnv(t, verifiedUser("u1", "alice@example.com"))
	ctx := context.Background()

	id, err := env.accounts.RequestMagicLink(ctx, "alice@example.com")
	require.NoError(t, err)
	req := AuthRequest{Method: models.LoginMethodMagicLink, VerificationID: id, Code: env.email.last().Code}

	_, err = env.auth.Authenticate(ctx, req)
	require.NoError(t, err)

	_, err = env.auth.Authenticate(ctx, req)
	assert.ErrorIs(t, err, models.ErrInvalidCode)
}

func TestAuthService_MagicLink_WrongCodeKeepsLink(t *testing.T) {
	env := newTestEnv(t, verifiedUser("u1", "alice@example.com"))
	ctx := context.Background()

	id, err := env.accounts.RequestMagicLink(ctx, "alice@example.com")
	require.NoError(t, err)
	code := env.email.last().Code

	_, err = env.auth.Authenticate(ctx, AuthRequest{Method: models.LoginMethodMagicLink, VerificationID: id, Code: "bad"})
	require.ErrorIs(t, err, models.ErrInvalidCode)

	_, err = env.auth.Authenticate(ctx, AuthRequest{Method: models.LoginMethodMagicLink, VerificationID: id, Code: code})
	assert.NoError(t, err)
	assert.Contains(t, env.limiter.Calls, ratelimit.ScopeMagicLinkVerify+"|link:"+id)
}

// ============================================================================
// OAuth Tests (4 tests)
// ============================================================================

func githubProfile(email string, verified bool) *models.OAuthProfile {
	return &models.OAuthProfile{
		Provider:       models.LoginMethodGitHub,
		ProviderUserID: "4242",
		Email:          email,
		EmailVerified:  verified,
		Name:           "Octo Cat",
	}
}

func TestAuthService_OAuth_ExistingLink(t *testing.T) {
	user := verifiedUser("u1", "octo@example.com")
	env := newTestEnv(t, user)
	var updatedTo string
	env.oauth.GetByProviderIDFunc = func(_ context.Context, provider models.LoginMethod, pid string) (*models.OAuthLink, error) {
		return &models.OAuthLink{Provider: provider, ProviderUserID: pid, UserID: "u1", Email: "old@example.com"}, nil
	}
	env.oauth.UpdateEmailFunc = func(_ context.Context, _ models.LoginMethod, _ string, email string) error {
		updatedTo = email
		return nil
	}

	result, err := env.auth.Authenticate(context.Background(), AuthRequest{
		Method:       models.LoginMethodGitHub,
		OAuthProfile: githubProfile("octo@example.com", true),
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", result.User.ID)
	assert.Equal(t, "octo@example.com", updatedTo)
	assert.Contains(t, env.limiter.Calls, ratelimit.ScopeOAuth+"|github:4242")
}

func TestAuthService_OAuth_LinksByVerifiedEmail(t *testing.T) {
	user := passwordUser(t, "u1", "octo@example.com", false)
	env := newTestEnv(t, user)
	var link *models.OAuthLink
	env.oauth.CreateFunc = func(_ context.Context, l *models.OAuthLink) error {
		link = l
		return nil
	}
	var filledName string
	env.users.UpdateProfileFunc = func(_ context.Context, _ string, fullName string, _ *string) error {
		filledName = fullName
		return nil
	}

	result, err := env.auth.Authenticate(context.Background(), AuthRequest{
		Method:       models.LoginMethodGitHub,
		OAuthProfile: githubProfile("octo@example.com", true),
	})
	require.NoError(t, err)
	assert.Equal(t, AuthStatusSessionIssued, result.Status)
	require.NotNil(t, link)
	assert.Equal(t, "u1", link.UserID)
	assert.True(t, user.EmailVerified)
	assert.Equal(t, "Octo Cat", filledName)
}

func TestAuthService_OAuth_UnverifiedProviderEmail(t *testing.T) {
	env := newTestEnv(t, verifiedUser("u1", "octo@example.com"))

	_, err := env.auth.Authenticate(context.Background(), AuthRequest{
		Method:       models.LoginMethodGitHub,
		OAuthProfile: githubProfile("octo@example.com", false),
	})

	assert.ErrorIs(t, err, models.ErrEmailNotVerified)
	assert.Equal(t, 0, env.sessionRepo.count())
}

func TestAuthService_OAuth_ProfileMustMatchMethod(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.Authenticate(context.Background(), AuthRequest{
		Method:       models.LoginMethodGoogle,
		OAuthProfile: githubProfile("octo@example.com", true),
	})

	assert.ErrorIs(t, err, models.ErrValidation)
}

// ============================================================================
// RejectReason Tests (1 test)
// ============================================================================

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ratelimit.ExceededError{Scope: "x"}, "rate_limited"},
		{models.ErrInvalidCredentials, "invalid_credentials"},
		{models.ErrInvalidCode, "invalid_code"},
		{models.ErrEmailNotVerified, "email_unverified"},
		{models.ErrAccountBanned, "account_banned"},
		{models.ErrChallengeNotFound, "challenge_not_found"},
		{models.ErrValidation, "invalid_request"},
		{models.ErrInternalServer, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RejectReason(tt.err))
	}
}
