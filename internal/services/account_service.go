package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/ratelimit"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// Lifetimes of the emailed codes and links.
const (
	VerificationCodeTTL = time.Hour
	MagicLinkTTL        = 2 * time.Hour
	PasswordResetTTL    = time.Hour
	EmailChangeCodeTTL  = 15 * time.Minute
	AccountDeletionTTL  = 15 * time.Minute

	recentLoginsLimit = 10
)

// EmailChangeTarget selects which address an email change code goes to.
type EmailChangeTarget string

const (
	EmailChangeCurrent EmailChangeTarget = "current"
	EmailChangeNew     EmailChangeTarget = "new"
)

type SignupRequest struct {
	FullName  string
	Email     string
	Password  string
	IPAddress string
}

type ChangeEmailRequest struct {
	CurrentVerificationID string
	CurrentCode           string
	NewVerificationID     string
	NewCode               string
	IPAddress             string
}

// AccountService covers the account lifecycle around login: signup, email
// verification, password and email changes, deletion and session
// management.
type AccountService struct {
	users         UserRepository
	oauth         OAuthRepository
	loginLogs     LoginLogRepository
	verifications VerificationStore
	sessions      *SessionStore
	limiter       RateLimiter
	email         EmailSender
	auditor       *SecurityAuditor
	logger        *slog.Logger
}

// AccountServiceDeps groups the collaborators of AccountService.
type AccountServiceDeps struct {
	Users         UserRepository
	OAuth         OAuthRepository
	LoginLogs     LoginLogRepository
	Verifications VerificationStore
	Sessions      *SessionStore
	Limiter       RateLimiter
	Email         EmailSender
	Auditor       *SecurityAuditor
}

func NewAccountService(deps AccountServiceDeps, logger *slog.Logger) *AccountService {
	return &AccountService{
		users:         deps.Users,
		oauth:         deps.OAuth,
		loginLogs:     deps.LoginLogs,
		verifications: deps.Verifications,
		sessions:      deps.Sessions,
		limiter:       deps.Limiter,
		email:         deps.Email,
		auditor:       deps.Auditor,
		logger:        logger,
	}
}

// Signup creates an unverified password account and emails a verification
// code. It returns the verification id the code must be submitted with.
func (s *AccountService) Signup(ctx context.Context, req SignupRequest) (*models.User, string, error) {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeSignup, req.IPAddress); err != nil {
		return nil, "", err
	}

	if err := pkgauth.ValidatePassword(req.Password); err != nil {
		return nil, "", fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}

	normalized := pkgauth.NormalizeEmail(req.Email)
	if _, err := s.users.GetByNormalizedEmail(ctx, normalized); err == nil {
		return nil, "", models.ErrConflict
	} else if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to check existing user", slog.Any("error", err))
		return nil, "", models.ErrInternalServer
	}

	hash, err := pkgauth.HashPassword(req.Password)
	if err != nil {
		return nil, "", models.ErrInternalServer
	}

	user, err := s.users.Create(ctx, &models.User{
		FullName:        req.FullName,
		Email:           pkgauth.CleanEmail(req.Email),
		NormalizedEmail: normalized,
		PasswordHash:    hash,
	}, models.LoginMethodPassword)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, "", models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, "", models.ErrInternalServer
	}

	s.logger.Info("user signed up", slog.String("user_id", user.ID))

	id, err := s.sendVerification(ctx, user)
	if err != nil {
		return nil, "", err
	}
	return user, id, nil
}

func (s *AccountService) sendVerification(ctx context.Context, user *models.User) (string, error) {
	id, code, err := newVerification()
	if err != nil {
		return "", err
	}
	rec := models.VerificationRecord{Code: code, Email: user.Email, UserID: user.ID}
	if err := s.verifications.Put(ctx, models.VerificationEmail, id, rec, VerificationCodeTTL); err != nil {
		s.logger.Error("failed to store verification code", slog.Any("error", err))
		return "", models.ErrInternalServer
	}
	if err := s.email.SendVerificationCode(ctx, user.Email, code, VerificationCodeTTL); err != nil {
		s.logger.Warn("failed to send verification email", slog.String("user_id", user.ID), slog.Any("error", err))
	}
	return id, nil
}

// RequestVerification re-sends a verification code. Unknown and already
// verified addresses get a well-formed id that no code will match.
func (s *AccountService) RequestVerification(ctx context.Context, email string) (string, error) {
	normalized := pkgauth.NormalizeEmail(email)
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeVerificationEmail, normalized); err != nil {
		return "", err
	}

	user, err := s.users.GetByNormalizedEmail(ctx, normalized)
	if err != nil || user.EmailVerified {
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to load user", slog.Any("error", err))
			return "", models.ErrInternalServer
		}
		return pkgauth.GenerateRandomToken()
	}
	return s.sendVerification(ctx, user)
}

// VerifyEmail redeems a verification code.
func (s *AccountService) VerifyEmail(ctx context.Context, id, code, ip string) error {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeVerifyEmail, ip); err != nil {
		return err
	}

	rec, err := s.redeem(ctx, models.VerificationEmail, id, code)
	if err != nil {
		return err
	}

	if err := s.users.MarkEmailVerified(ctx, rec.UserID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidCode
		}
		s.logger.Error("failed to mark email verified", slog.Any("error", err))
		return models.ErrInternalServer
	}
	s.sessions.EvictUser(ctx, rec.UserID)
	s.logger.Info("email verified", slog.String("user_id", rec.UserID))
	return nil
}

// RequestMagicLink emails a sign-in link and code. The link works for
// addresses without an account too; redeeming it creates one.
func (s *AccountService) RequestMagicLink(ctx context.Context, email string) (string, error) {
	normalized := pkgauth.NormalizeEmail(email)
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeMagicLinkEmail, normalized); err != nil {
		return "", err
	}

	id, code, err := newVerification()
	if err != nil {
		return "", err
	}
	clean := pkgauth.CleanEmail(email)
	rec := models.VerificationRecord{Code: code, Email: clean}
	if err := s.verifications.Put(ctx, models.VerificationMagicLink, id, rec, MagicLinkTTL); err != nil {
		s.logger.Error("failed to store magic link", slog.Any("error", err))
		return "", models.ErrInternalServer
	}
	if err := s.email.SendMagicLink(ctx, clean, id, code, MagicLinkTTL); err != nil {
		s.logger.Warn("failed to send magic link", slog.String("email", pkglogger.SanitizedEmail(clean)), slog.Any("error", err))
	}
	return id, nil
}

// RequestPasswordReset sends a reset link when the address has an
// account. The caller cannot tell whether it did.
func (s *AccountService) RequestPasswordReset(ctx context.Context, email string) error {
	normalized := pkgauth.NormalizeEmail(email)
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopePasswordResetEmail, normalized); err != nil {
		return err
	}

	user, err := s.users.GetByNormalizedEmail(ctx, normalized)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to load user", slog.Any("error", err))
		}
		return nil
	}

	id, err := pkgauth.GenerateRandomToken()
	if err != nil {
		return models.ErrInternalServer
	}
	rec := models.VerificationRecord{Email: user.Email, UserID: user.ID}
	if err := s.verifications.Put(ctx, models.VerificationPasswordReset, id, rec, PasswordResetTTL); err != nil {
		s.logger.Error("failed to store password reset", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if err := s.email.SendPasswordReset(ctx, user.Email, id, PasswordResetTTL); err != nil {
		s.logger.Warn("failed to send password reset", slog.String("user_id", user.ID), slog.Any("error", err))
	}
	return nil
}

// ResetPassword sets a new password from a reset link and revokes every
// session of the account.
func (s *AccountService) ResetPassword(ctx context.Context, id, newPassword, ip string) error {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopePasswordReset, ip); err != nil {
		return err
	}
	if err := pkgauth.ValidatePassword(newPassword); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}

	rec, err := s.redeem(ctx, models.VerificationPasswordReset, id, "")
	if err != nil {
		return err
	}

	if err := s.setPassword(ctx, rec.UserID, newPassword, "", ip); err != nil {
		return err
	}
	s.addLoginMethod(ctx, rec.UserID, models.LoginMethodPassword)
	if err := s.email.SendPasswordChanged(ctx, rec.Email); err != nil {
		s.logger.Warn("failed to send password changed notice", slog.Any("error", err))
	}
	return nil
}

// ChangePassword verifies the current password, sets the new one and
// signs out every other session.
func (s *AccountService) ChangePassword(ctx context.Context, userID, currentSessionID, oldPassword, newPassword, ip string) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.HasPassword() {
		return fmt.Errorf("%w: account has no password, use password reset", models.ErrValidation)
	}
	if err := pkgauth.ComparePassword(user.PasswordHash, oldPassword); err != nil {
		return models.ErrInvalidCredentials
	}
	if err := pkgauth.ValidatePassword(newPassword); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}

	if err := s.setPassword(ctx, userID, newPassword, currentSessionID, ip); err != nil {
		return err
	}
	if err := s.email.SendPasswordChanged(ctx, user.Email); err != nil {
		s.logger.Warn("failed to send password changed notice", slog.Any("error", err))
	}
	return nil
}

func (s *AccountService) setPassword(ctx context.Context, userID, password, keepSessionID, ip string) error {
	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return models.ErrInternalServer
	}
	revoked, err := s.users.UpdatePasswordAndRevokeSessions(ctx, userID, hash, keepSessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidCode
		}
		s.logger.Error("failed to update password", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	s.sessions.Evict(ctx, revoked...)
	s.auditor.AccountAction(ctx, models.EventPasswordChanged, userID, ip, map[string]string{
		"revoked_sessions": strconv.Itoa(len(revoked)),
	})
	return nil
}

// RequestEmailChangeCode sends one half of an email change confirmation,
// either to the current address or to newEmail.
func (s *AccountService) RequestEmailChangeCode(ctx context.Context, userID string, target EmailChangeTarget, newEmail string) (string, error) {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeEmailChangeEmail, userID); err != nil {
		return "", err
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}

	var to string
	switch target {
	case EmailChangeCurrent:
		to = user.Email
	case EmailChangeNew:
		normalized := pkgauth.NormalizeEmail(newEmail)
		if normalized == "" || normalized == user.NormalizedEmail {
			return "", fmt.Errorf("%w: new email must differ from the current one", models.ErrValidation)
		}
		if err := s.ensureEmailAvailable(ctx, normalized); err != nil {
			return "", err
		}
		to = pkgauth.CleanEmail(newEmail)
	default:
		return "", fmt.Errorf("%w: unknown target %q", models.ErrValidation, target)
	}

	id, code, err := newVerification()
	if err != nil {
		return "", err
	}
	rec := models.VerificationRecord{Code: code, Email: to, UserID: userID}
	if err := s.verifications.Put(ctx, models.VerificationEmailChange, id, rec, EmailChangeCodeTTL); err != nil {
		s.logger.Error("failed to store email change code", slog.Any("error", err))
		return "", models.ErrInternalServer
	}
	if err := s.email.SendEmailChangeCode(ctx, to, code, EmailChangeCodeTTL); err != nil {
		s.logger.Warn("failed to send email change code", slog.Any("error", err))
	}
	return id, nil
}

// ChangeEmail applies an email change once both the current and the new
// address have confirmed it.
func (s *AccountService) ChangeEmail(ctx context.Context, userID string, req ChangeEmailRequest) error {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeVerifyEmail, req.IPAddress); err != nil {
		return err
	}
	if req.CurrentVerificationID == req.NewVerificationID {
		return models.ErrInvalidCode
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	current, err := s.peek(ctx, models.VerificationEmailChange, req.CurrentVerificationID, req.CurrentCode)
	if err != nil {
		return err
	}
	next, err := s.peek(ctx, models.VerificationEmailChange, req.NewVerificationID, req.NewCode)
	if err != nil {
		return err
	}
	if current.UserID != userID || next.UserID != userID ||
		pkgauth.NormalizeEmail(current.Email) != user.NormalizedEmail {
		return models.ErrInvalidCode
	}

	normalized := pkgauth.NormalizeEmail(next.Email)
	if err := s.ensureEmailAvailable(ctx, normalized); err != nil {
		return err
	}

	for _, id := range []string{req.CurrentVerificationID, req.NewVerificationID} {
		if _, err := s.verifications.Delete(ctx, models.VerificationEmailChange, id); err != nil {
			s.logger.Error("failed to consume email change code", slog.Any("error", err))
			return models.ErrInternalServer
		}
	}

	if err := s.users.UpdateEmail(ctx, userID, next.Email, normalized); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return models.ErrConflict
		}
		s.logger.Error("failed to update email", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	s.sessions.EvictUser(ctx, userID)
	s.auditor.AccountAction(ctx, models.EventEmailChanged, userID, req.IPAddress, nil)
	return nil
}

// RequestAccountDeletion emails a confirmation code. email must be the
// account's address.
func (s *AccountService) RequestAccountDeletion(ctx context.Context, userID, email, ip string) (string, error) {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeAccountDelete, ip); err != nil {
		return "", err
	}
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeAccountDeleteEmail, userID); err != nil {
		return "", err
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if pkgauth.NormalizeEmail(email) != user.NormalizedEmail {
		return "", fmt.Errorf("%w: email does not match the account", models.ErrValidation)
	}

	id, code, err := newVerification()
	if err != nil {
		return "", err
	}
	rec := models.VerificationRecord{Code: code, Email: user.Email, UserID: userID}
	if err := s.verifications.Put(ctx, models.VerificationAccountDeletion, id, rec, AccountDeletionTTL); err != nil {
		s.logger.Error("failed to store account deletion code", slog.Any("error", err))
		return "", models.ErrInternalServer
	}
	if err := s.email.SendAccountDeletionCode(ctx, user.Email, code, AccountDeletionTTL); err != nil {
		s.logger.Warn("failed to send account deletion code", slog.Any("error", err))
	}
	return id, nil
}

// DeleteAccount permanently deletes the account after the emailed code is
// confirmed. Dependent rows go with it.
func (s *AccountService) DeleteAccount(ctx context.Context, userID, id, email, code, ip string) error {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeAccountDeleteApply, ip); err != nil {
		return err
	}

	rec, err := s.peek(ctx, models.VerificationAccountDeletion, id, code)
	if err != nil {
		return err
	}
	if rec.UserID != userID || pkgauth.NormalizeEmail(rec.Email) != pkgauth.NormalizeEmail(email) {
		return models.ErrInvalidCode
	}
	if _, err := s.verifications.Delete(ctx, models.VerificationAccountDeletion, id); err != nil {
		return models.ErrInternalServer
	}

	revoked, err := s.users.Delete(ctx, userID)
	if err != nil {
		s.logger.Error("failed to delete account", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	s.sessions.Evict(ctx, revoked...)
	s.auditor.AccountAction(ctx, models.EventAccountDeleted, userID, ip, nil)
	return nil
}

// GetAccountInfo returns the profile, login methods, OAuth links and recent
// logins of the user.
func (s *AccountService) GetAccountInfo(ctx context.Context, userID string) (*models.AccountInfo, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	methods, err := s.users.GetLoginMethods(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load login methods", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	links, err := s.oauth.ListForUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load oauth links", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	logins, err := s.loginLogs.ListRecentForUser(ctx, userID, recentLoginsLimit)
	if err != nil {
		s.logger.Error("failed to load recent logins", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &models.AccountInfo{
		User:         user,
		LoginMethods: methods,
		OAuthLinks:   links,
		RecentLogins: logins,
	}, nil
}

func (s *AccountService) ListSessions(ctx context.Context, userID, currentSessionID string) ([]models.SessionSummary, error) {
	return s.sessions.ListForUser(ctx, userID, currentSessionID)
}

// RevokeSession signs out one of the user's own sessions.
func (s *AccountService) RevokeSession(ctx context.Context, userID, sessionID, ip string) error {
	if err := s.sessions.DeleteByIDAndUser(ctx, sessionID, userID); err != nil {
		return err
	}
	s.auditor.AccountAction(ctx, models.EventSessionsRevoked, userID, ip, map[string]string{"count": "1"})
	return nil
}

// RevokeOtherSessions signs out every session except the caller's.
func (s *AccountService) RevokeOtherSessions(ctx context.Context, userID, currentSessionID, ip string) (int, error) {
	ids, err := s.sessions.DeleteAllForUser(ctx, userID, models.DeleteSessionsOptions{
		KeepCurrent:      true,
		CurrentSessionID: currentSessionID,
	})
	if err != nil {
		return 0, err
	}
	s.auditor.AccountAction(ctx, models.EventSessionsRevoked, userID, ip, map[string]string{"count": strconv.Itoa(len(ids))})
	return len(ids), nil
}

// redeem checks and deletes a verification record. An empty code skips
// the comparison for link-only purposes such as password reset.
func (s *AccountService) redeem(ctx context.Context, purpose models.VerificationPurpose, id, code string) (*models.VerificationRecord, error) {
	rec, err := s.peek(ctx, purpose, id, code)
	if err != nil {
		return nil, err
	}
	deleted, err := s.verifications.Delete(ctx, purpose, id)
	if err != nil {
		s.logger.Error("failed to consume verification record", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !deleted {
		return nil, models.ErrInvalidCode
	}
	return rec, nil
}

func (s *AccountService) peek(ctx context.Context, purpose models.VerificationPurpose, id, code string) (*models.VerificationRecord, error) {
	if id == "" {
		return nil, models.ErrInvalidCode
	}
	rec, err := s.verifications.Get(ctx, purpose, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidCode
		}
		s.logger.Error("failed to read verification record", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if rec.Code != "" && !pkgauth.ConstantTimeEqual(rec.Code, code) {
		return nil, models.ErrInvalidCode
	}
	return rec, nil
}

func (s *AccountService) ensureEmailAvailable(ctx context.Context, normalized string) error {
	_, err := s.users.GetByNormalizedEmail(ctx, normalized)
	switch {
	case err == nil:
		return models.ErrConflict
	case errors.Is(err, models.ErrNotFound):
		return nil
	default:
		s.logger.Error("failed to check email availability", slog.Any("error", err))
		return models.ErrInternalServer
	}
}

func (s *AccountService) addLoginMethod(ctx context.Context, userID string, method models.LoginMethod) {
	if err := s.users.AddLoginMethod(ctx, userID, method); err != nil {
		s.logger.Warn("failed to record login method", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (s *AccountService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to load user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return user, nil
}

func newVerification() (id, code string, err error) {
	if id, err = pkgauth.GenerateRandomToken(); err != nil {
		return "", "", models.ErrInternalServer
	}
	if code, err = pkgauth.GenerateOTP(); err != nil {
		return "", "", models.ErrInternalServer
	}
	return id, code, nil
}
