package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/ratelimit"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// AuthStatus is the outcome of a successful first factor.
type AuthStatus string

const (
	AuthStatusSessionIssued AuthStatus = "session_issued"
	AuthStatusMFARequired   AuthStatus = "mfa_required"
)

// AuthRequest carries the credentials for one login attempt. Which fields
// are read depends on Method.
type AuthRequest struct {
	Method models.LoginMethod

	// password
	Identifier string
	Password   string

	// magic_link
	VerificationID string
	Code           string

	// google, github
	OAuthProfile *models.OAuthProfile

	IPAddress string
	UserAgent string
}

// AuthResult is returned for every accepted attempt. Session is set when
// Status is session_issued, ChallengeToken when it is mfa_required.
type AuthResult struct {
	Status         AuthStatus
	Session        *models.IssuedSession
	ChallengeToken string
	User           *models.User
	// RecoveryCodesRemaining is set after a recovery code login.
	RecoveryCodesRemaining *int
}

// CompleteMFARequest redeems a login challenge with a second factor.
type CompleteMFARequest struct {
	ChallengeToken string
	Code           string
	Kind           models.MFACodeKind
	IPAddress      string
	UserAgent      string
}

// AuthService runs every login method through the same sequence: rate
// limits, first factor, verified-email gate, MFA branch, session, audit.
type AuthService struct {
	users         UserRepository
	oauth         OAuthRepository
	verifications VerificationStore
	sessions      *SessionStore
	mfa           *MFAService
	limiter       RateLimiter
	auditor       *SecurityAuditor
	timing        *auth.TimingDelay
	logger        *slog.Logger
}

// AuthServiceDeps groups the collaborators of AuthService.
type AuthServiceDeps struct {
	Users         UserRepository
	OAuth         OAuthRepository
	Verifications VerificationStore
	Sessions      *SessionStore
	MFA           *MFAService
	Limiter       RateLimiter
	Auditor       *SecurityAuditor
	Timing        *auth.TimingDelay
}

func NewAuthService(deps AuthServiceDeps, logger *slog.Logger) *AuthService {
	return &AuthService{
		users:         deps.Users,
		oauth:         deps.OAuth,
		verifications: deps.Verifications,
		sessions:      deps.Sessions,
		mfa:           deps.MFA,
		limiter:       deps.Limiter,
		auditor:       deps.Auditor,
		timing:        deps.Timing,
		logger:        logger,
	}
}

// Authenticate verifies one login attempt and either issues a session or,
// for MFA users, a challenge token. Rejections are sentinel errors from
// models (or *ratelimit.ExceededError); RejectReason names them.
func (s *AuthService) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	start := time.Now()

	if _, err := models.ParseLoginMethod(string(req.Method)); err != nil {
		return nil, err
	}

	if err := s.checkLimits(ctx, req); err != nil {
		s.auditor.LoginFailed(ctx, "", req.Method, req.IPAddress, req.UserAgent, RejectReason(err))
		return nil, err
	}

	var (
		user *models.User
		err  error
	)
	switch req.Method {
	case models.LoginMethodPassword:
		user, err = s.verifyPassword(ctx, req, start)
	case models.LoginMethodMagicLink:
		user, err = s.verifyMagicLink(ctx, req)
	default:
		user, err = s.resolveOAuth(ctx, req)
	}
	if err != nil {
		userID := ""
		if user != nil {
			userID = user.ID
		}
		s.auditor.LoginFailed(ctx, userID, req.Method, req.IPAddress, req.UserAgent, RejectReason(err))
		return nil, err
	}

	if user.IsBanned {
		s.auditor.LoginFailed(ctx, user.ID, req.Method, req.IPAddress, req.UserAgent, RejectReason(models.ErrAccountBanned))
		return nil, models.ErrAccountBanned
	}
	if !user.EmailVerified {
		s.auditor.LoginFailed(ctx, user.ID, req.Method, req.IPAddress, req.UserAgent, RejectReason(models.ErrEmailNotVerified))
		return nil, models.ErrEmailNotVerified
	}

	if user.MFAEnabled {
		token, err := s.mfa.CreateChallenge(ctx, user.ID, req.Method)
		if err != nil {
			return nil, err
		}
		s.logger.Info("mfa challenge issued",
			slog.String("user_id", user.ID),
			slog.String("method", req.Method.String()))
		return &AuthResult{Status: AuthStatusMFARequired, ChallengeToken: token, User: user}, nil
	}

	return s.issue(ctx, user, req.Method, req.IPAddress, req.UserAgent)
}

// CompleteMFA redeems a challenge. A wrong code leaves the challenge in
// place so the user can retry within the rate limit.
func (s *AuthService) CompleteMFA(ctx context.Context, req CompleteMFARequest) (*AuthResult, error) {
	scope := ratelimit.ScopeTwoFactor
	if req.Kind == models.MFACodeRecovery {
		scope = ratelimit.ScopeRecoveryCode
	}
	if err := s.limiter.CheckLimit(ctx, scope, req.IPAddress); err != nil {
		return nil, err
	}

	ch, err := s.mfa.PeekChallenge(ctx, req.ChallengeToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, ch.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidCode
		}
		s.logger.Error("failed to load user for mfa", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !user.MFAEnabled {
		return nil, models.ErrInvalidCode
	}

	if err := s.mfa.VerifyCode(ctx, user, req.Code, req.Kind); err != nil {
		if errors.Is(err, models.ErrMFANotEnabled) {
			err = models.ErrInvalidCode
		}
		s.auditor.LoginFailed(ctx, user.ID, ch.Method, req.IPAddress, req.UserAgent, RejectReason(err))
		return nil, err
	}

	if err := s.mfa.ConsumeChallenge(ctx, req.ChallengeToken); err != nil {
		return nil, err
	}
	if user.IsBanned {
		return nil, models.ErrAccountBanned
	}

	result, err := s.issue(ctx, user, ch.Method, req.IPAddress, req.UserAgent)
	if err != nil {
		return nil, err
	}
	if req.Kind == models.MFACodeRecovery {
		if n, err := s.mfa.RecoveryCodesRemaining(ctx, user.ID); err == nil {
			result.RecoveryCodesRemaining = &n
		}
	}
	return result, nil
}

// ValidateSession resolves a session cookie.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*models.SessionInfo, error) {
	return s.sessions.Lookup(ctx, token)
}

// Logout revokes the caller's session.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.DeleteByID(ctx, sessionID)
}

func (s *AuthService) issue(ctx context.Context, user *models.User, method models.LoginMethod, ip, userAgent string) (*AuthResult, error) {
	session, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s.auditor.LoginSucceeded(ctx, user.ID, session.SessionID, method, ip, userAgent)
	return &AuthResult{Status: AuthStatusSessionIssued, Session: session, User: user}, nil
}

// checkLimits applies the IP limit and then the per-identifier limit of the
// attempt's method.
func (s *AuthService) checkLimits(ctx context.Context, req AuthRequest) error {
	var ipScope, idScope, identifier string
	switch req.Method {
	case models.LoginMethodPassword:
		ipScope, idScope = ratelimit.ScopeLogin, ratelimit.ScopeLoginIdentifier
		identifier = pkgauth.NormalizeEmail(req.Identifier)
	case models.LoginMethodMagicLink:
		ipScope, idScope = ratelimit.ScopeMagicLinkVerify, ratelimit.ScopeMagicLinkVerify
		if req.VerificationID != "" {
			identifier = "link:" + req.VerificationID
		}
	default:
		if req.OAuthProfile == nil {
			return fmt.Errorf("%w: missing oauth profile", models.ErrValidation)
		}
		ipScope, idScope = ratelimit.ScopeOAuth, ratelimit.ScopeOAuth
		if req.OAuthProfile.ProviderUserID != "" {
			identifier = string(req.OAuthProfile.Provider) + ":" + req.OAuthProfile.ProviderUserID
		}
	}
	if identifier == "" {
		return fmt.Errorf("%w: missing identifier", models.ErrValidation)
	}

	if err := s.limiter.CheckLimit(ctx, ipScope, req.IPAddress); err != nil {
		return err
	}
	return s.limiter.CheckLimit(ctx, idScope, identifier)
}

func (s *AuthService) verifyPassword(ctx context.Context, req AuthRequest, start time.Time) (*models.User, error) {
	user, err := s.users.GetByNormalizedEmail(ctx, pkgauth.NormalizeEmail(req.Identifier))
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to load user for login", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if user == nil || !user.HasPassword() {
		pkgauth.CompareDummyPassword(req.Password)
		s.timing.WaitFrom(ctx, start, false)
		s.logger.Info("login failed: invalid credentials",
			slog.String("email", pkglogger.SanitizedEmail(req.Identifier)))
		return nil, models.ErrInvalidCredentials
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, req.Password); err != nil {
		s.timing.WaitFrom(ctx, start, false)
		s.logger.Info("login failed: invalid credentials", slog.String("user_id", user.ID))
		return user, models.ErrInvalidCredentials
	}
	return user, nil
}

func (s *AuthService) verifyMagicLink(ctx context.Context, req AuthRequest) (*models.User, error) {
	rec, err := s.verifications.Get(ctx, models.VerificationMagicLink, req.VerificationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidCode
		}
		s.logger.Error("failed to read magic link record", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !pkgauth.ConstantTimeEqual(rec.Code, req.Code) {
		return nil, models.ErrInvalidCode
	}

	deleted, err := s.verifications.Delete(ctx, models.VerificationMagicLink, req.VerificationID)
	if err != nil {
		s.logger.Error("failed to consume magic link record", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !deleted {
		return nil, models.ErrInvalidCode
	}

	normalized := pkgauth.NormalizeEmail(rec.Email)
	user, err := s.users.GetByNormalizedEmail(ctx, normalized)
	switch {
	case err == nil:
		// Receiving the link proves the address.
		if !user.EmailVerified {
			if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
				s.logger.Error("failed to mark email verified", slog.Any("error", err))
				return nil, models.ErrInternalServer
			}
			user.EmailVerified = true
		}
		s.addLoginMethod(ctx, user.ID, models.LoginMethodMagicLink)
		return user, nil
	case errors.Is(err, models.ErrNotFound):
		return s.createUser(ctx, &models.User{
			Email:           pkgauth.CleanEmail(rec.Email),
			NormalizedEmail: normalized,
			EmailVerified:   true,
		}, models.LoginMethodMagicLink)
	default:
		s.logger.Error("failed to load user for magic link", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
}

// resolveOAuth maps a provider identity to a user: by existing link, then
// by verified email, else a new account.
func (s *AuthService) resolveOAuth(ctx context.Context, req AuthRequest) (*models.User, error) {
	p := req.OAuthProfile
	if p.Provider != req.Method || p.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: oauth profile does not match method", models.ErrValidation)
	}

	link, err := s.oauth.GetByProviderID(ctx, p.Provider, p.ProviderUserID)
	if err == nil {
		user, err := s.users.GetByID(ctx, link.UserID)
		if err != nil {
			s.logger.Error("failed to load linked user", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		if p.Email != "" && p.Email != link.Email {
			if err := s.oauth.UpdateEmail(ctx, p.Provider, p.ProviderUserID, p.Email); err != nil {
				s.logger.Warn("failed to update oauth email", slog.Any("error", err))
			}
		}
		return user, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to read oauth link", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// Linking by email is only safe when the provider vouches for it.
	if p.Email == "" || !p.EmailVerified {
		return nil, models.ErrEmailNotVerified
	}

	normalized := pkgauth.NormalizeEmail(p.Email)
	user, err := s.users.GetByNormalizedEmail(ctx, normalized)
	switch {
	case err == nil:
		if !user.EmailVerified {
			if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
				return nil, models.ErrInternalServer
			}
			user.EmailVerified = true
		}
		s.addLoginMethod(ctx, user.ID, p.Provider)
		var photo *string
		if p.AvatarURL != "" {
			photo = &p.AvatarURL
		}
		if err := s.users.UpdateProfile(ctx, user.ID, p.Name, photo); err != nil {
			s.logger.Warn("failed to fill profile from provider", slog.Any("error", err))
		}
	case errors.Is(err, models.ErrNotFound):
		newUser := &models.User{
			FullName:        p.Name,
			Email:           pkgauth.CleanEmail(p.Email),
			NormalizedEmail: normalized,
			EmailVerified:   true,
		}
		if p.AvatarURL != "" {
			newUser.ProfilePhoto = &p.AvatarURL
		}
		if user, err = s.createUser(ctx, newUser, p.Provider); err != nil {
			return nil, err
		}
	default:
		s.logger.Error("failed to load user for oauth", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	err = s.oauth.Create(ctx, &models.OAuthLink{
		Provider:       p.Provider,
		ProviderUserID: p.ProviderUserID,
		UserID:         user.ID,
		Email:          p.Email,
	})
	if err != nil && !errors.Is(err, models.ErrConflict) {
		s.logger.Error("failed to link oauth account", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return user, nil
}

// createUser inserts user, falling back to the existing row if a
// concurrent request created the same email first.
func (s *AuthService) createUser(ctx context.Context, user *models.User, method models.LoginMethod) (*models.User, error) {
	created, err := s.users.Create(ctx, user, method)
	if err == nil {
		s.logger.Info("user created", slog.String("user_id", created.ID), slog.String("method", method.String()))
		return created, nil
	}
	if errors.Is(err, models.ErrConflict) {
		existing, getErr := s.users.GetByNormalizedEmail(ctx, user.NormalizedEmail)
		if getErr == nil {
			s.addLoginMethod(ctx, existing.ID, method)
			return existing, nil
		}
	}
	s.logger.Error("failed to create user", slog.Any("error", err))
	return nil, models.ErrInternalServer
}

func (s *AuthService) addLoginMethod(ctx context.Context, userID string, method models.LoginMethod) {
	if err := s.users.AddLoginMethod(ctx, userID, method); err != nil {
		s.logger.Warn("failed to record login method", slog.String("user_id", userID), slog.Any("error", err))
	}
}

// RejectReason names a rejection for logs, metrics and events.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, models.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, models.ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, models.ErrEmailNotVerified):
		return "email_unverified"
	case errors.Is(err, models.ErrAccountBanned):
		return "account_banned"
	case errors.Is(err, models.ErrChallengeNotFound):
		return "challenge_not_found"
	case errors.Is(err, models.ErrValidation):
		return "invalid_request"
	default:
		return "error"
	}
}
