package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/observability"
	"github.com/BradenHooton/bastion/internal/ratelimit"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
	"github.com/BradenHooton/bastion/pkg/clock"
)

const challengeTokenBytes = 32

// RateLimiter is the part of RateLimitService the flows depend on.
type RateLimiter interface {
	CheckLimit(ctx context.Context, scope, identifier string) error
}

// MFAConfig holds MFA lifetimes and sizes.
type MFAConfig struct {
	ChallengeTTL      time.Duration
	SetupTTL          time.Duration
	RecoveryCodeCount int
}

// MFAService owns login challenges, code verification and the MFA
// lifecycle (enroll, enable, rotate codes, disable).
type MFAService struct {
	users      UserRepository
	mfaRepo    MFARepository
	codes      RecoveryCodeRepository
	challenges ChallengeStore
	state      MFAStateStore
	sessions   *SessionStore
	totp       *auth.TOTPManager
	codec      *auth.SecretCodec
	limiter    RateLimiter
	email      EmailSender
	auditor    *SecurityAuditor
	clock      clock.Clock
	cfg        MFAConfig
	logger     *slog.Logger
}

// MFAServiceDeps groups the collaborators of MFAService.
type MFAServiceDeps struct {
	Users      UserRepository
	MFARepo    MFARepository
	Codes      RecoveryCodeRepository
	Challenges ChallengeStore
	State      MFAStateStore
	Sessions   *SessionStore
	TOTP       *auth.TOTPManager
	Codec      *auth.SecretCodec
	Limiter    RateLimiter
	Email      EmailSender
	Auditor    *SecurityAuditor
	Clock      clock.Clock
}

func NewMFAService(deps MFAServiceDeps, cfg MFAConfig, logger *slog.Logger) *MFAService {
	return &MFAService{
		users:      deps.Users,
		mfaRepo:    deps.MFARepo,
		codes:      deps.Codes,
		challenges: deps.Challenges,
		state:      deps.State,
		sessions:   deps.Sessions,
		totp:       deps.TOTP,
		codec:      deps.Codec,
		limiter:    deps.Limiter,
		email:      deps.Email,
		auditor:    deps.Auditor,
		clock:      deps.Clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// ChallengeTTL is how long a login challenge stays redeemable.
func (s *MFAService) ChallengeTTL() time.Duration { return s.cfg.ChallengeTTL }

// CreateChallenge records that userID passed the first factor with method
// and returns the opaque token that redeems it.
func (s *MFAService) CreateChallenge(ctx context.Context, userID string, method models.LoginMethod) (string, error) {
	token, err := pkgauth.GenerateSecureToken(challengeTokenBytes)
	if err != nil {
		return "", models.ErrInternalServer
	}

	ch := models.MFAChallenge{UserID: userID, Method: method}
	if err := s.challenges.Create(ctx, token, ch, s.cfg.ChallengeTTL); err != nil {
		s.logger.Error("failed to store mfa challenge", slog.String("user_id", userID), slog.Any("error", err))
		return "", models.ErrInternalServer
	}
	return token, nil
}

// PeekChallenge returns the challenge without consuming it.
func (s *MFAService) PeekChallenge(ctx context.Context, token string) (*models.MFAChallenge, error) {
	if token == "" {
		return nil, models.ErrChallengeNotFound
	}
	ch, err := s.challenges.Get(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrChallengeNotFound
		}
		s.logger.Error("failed to read mfa challenge", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return ch, nil
}

// ConsumeChallenge deletes the challenge. Only one caller can win; the
// others get models.ErrChallengeNotFound.
func (s *MFAService) ConsumeChallenge(ctx context.Context, token string) error {
	deleted, err := s.challenges.Delete(ctx, token)
	if err != nil {
		s.logger.Error("failed to consume mfa challenge", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !deleted {
		return models.ErrChallengeNotFound
	}
	return nil
}

// VerifyTOTP checks code against the user's encrypted secret. A code is
// accepted at most once per user within its validity window.
func (s *MFAService) VerifyTOTP(ctx context.Context, userID, code, encryptedSecret string) error {
	secret, err := s.codec.DecryptString(encryptedSecret, auth.PurposeTOTPSecret)
	if err != nil {
		s.logger.Error("failed to decrypt totp secret", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	return s.checkTOTP(ctx, userID, code, secret)
}

func (s *MFAService) checkTOTP(ctx context.Context, userID, code, secret string) error {
	if !s.totp.Validate(code, secret, s.clock.Now()) {
		return models.ErrInvalidCode
	}

	claimed, err := s.state.ClaimTOTPCode(ctx, userID, code, auth.TOTPReplayWindow)
	if err != nil {
		s.logger.Error("failed to record totp use", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !claimed {
		s.logger.Warn("totp code replayed", slog.String("user_id", userID))
		return models.ErrInvalidCode
	}
	return nil
}

// VerifyRecoveryCode burns the matching unused recovery code.
func (s *MFAService) VerifyRecoveryCode(ctx context.Context, userID, code string) error {
	code = pkgauth.NormalizeRecoveryCode(code)
	if len(code) != pkgauth.RecoveryCodeLength {
		return models.ErrInvalidCode
	}

	stored, err := s.codes.ListUnused(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load recovery codes", slog.Any("error", err))
		return models.ErrInternalServer
	}

	var match *models.RecoveryCode
	for _, rc := range stored {
		plain, err := s.codec.DecryptString(rc.Code, auth.PurposeRecoveryCode)
		if err != nil {
			s.logger.Warn("undecryptable recovery code", slog.String("id", rc.ID))
			continue
		}
		if pkgauth.ConstantTimeEqual(plain, code) && match == nil {
			match = rc
		}
	}
	if match == nil {
		return models.ErrInvalidCode
	}

	ok, err := s.codes.MarkUsed(ctx, match.ID)
	if err != nil {
		s.logger.Error("failed to mark recovery code used", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !ok {
		return models.ErrInvalidCode
	}
	return nil
}

// VerifyCode verifies a second factor of the given kind for user.
func (s *MFAService) VerifyCode(ctx context.Context, user *models.User, code string, kind models.MFACodeKind) error {
	if !user.MFAEnabled || user.TOTPSecret == "" {
		return models.ErrMFANotEnabled
	}

	var err error
	switch kind {
	case models.MFACodeTOTP:
		err = s.VerifyTOTP(ctx, user.ID, code, user.TOTPSecret)
	case models.MFACodeRecovery:
		err = s.VerifyRecoveryCode(ctx, user.ID, code)
	default:
		return fmt.Errorf("%w: unknown code kind %q", models.ErrValidation, kind)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	observability.MFAVerifications.WithLabelValues(string(kind), outcome).Inc()
	return err
}

// BeginEnrollment generates a secret and parks it, encrypted, until
// EnableMFA confirms the user's authenticator can produce codes for it.
func (s *MFAService) BeginEnrollment(ctx context.Context, userID string) (*models.MFAEnrollment, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, models.ErrMFAAlreadyEnabled
	}

	enrollment, err := s.totp.Generate(user.Email)
	if err != nil {
		s.logger.Error("failed to generate totp secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	enc, err := s.codec.EncryptString(enrollment.Secret, auth.PurposeMFASetup)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if err := s.state.SetPendingSecret(ctx, userID, enc, s.cfg.SetupTTL); err != nil {
		s.logger.Error("failed to store pending totp secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return enrollment, nil
}

// EnableMFA confirms enrollment with a code from the pending secret. In
// one transaction it stores the secret, replaces the recovery codes and
// revokes every session except currentSessionID. The plaintext recovery
// codes are returned once and never stored unencrypted.
func (s *MFAService) EnableMFA(ctx context.Context, userID, currentSessionID, code, ip string) ([]string, error) {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeTwoFactor, ip); err != nil {
		return nil, err
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, models.ErrMFAAlreadyEnabled
	}

	pending, err := s.state.GetPendingSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrMFASetupNotFound
		}
		s.logger.Error("failed to read pending totp secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	secret, err := s.codec.DecryptString(pending, auth.PurposeMFASetup)
	if err != nil {
		_ = s.state.DeletePendingSecret(ctx, userID)
		return nil, models.ErrMFASetupNotFound
	}

	if err := s.checkTOTP(ctx, userID, code, secret); err != nil {
		return nil, err
	}

	encSecret, err := s.codec.EncryptString(secret, auth.PurposeTOTPSecret)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	plain, encCodes, err := s.newRecoveryCodes()
	if err != nil {
		return nil, err
	}

	revoked, err := s.mfaRepo.EnableMFA(ctx, userID, encSecret, encCodes, currentSessionID)
	if errors.Is(err, models.ErrMFAAlreadyEnabled) {
		return nil, models.ErrMFAAlreadyEnabled
	}
	if err != nil {
		s.logger.Error("failed to enable mfa", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.state.DeletePendingSecret(ctx, userID); err != nil {
		s.logger.Warn("failed to delete pending totp secret", slog.Any("error", err))
	}
	// The current session's cached copy still says MFA is off.
	s.sessions.Evict(ctx, append(revoked, currentSessionID)...)

	if err := s.email.SendMFAEnabled(ctx, user.Email); err != nil {
		s.logger.Warn("failed to send mfa enabled notice", slog.Any("error", err))
	}
	s.auditor.AccountAction(ctx, models.EventMFAEnabled, userID, ip, map[string]string{
		"revoked_sessions": strconv.Itoa(len(revoked)),
	})
	return plain, nil
}

// RotateRecoveryCodes replaces all recovery codes. Either every code is
// replaced or none is.
func (s *MFAService) RotateRecoveryCodes(ctx context.Context, userID, ip string) ([]string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, models.ErrMFANotEnabled
	}

	plain, encCodes, err := s.newRecoveryCodes()
	if err != nil {
		return nil, err
	}
	if err := s.mfaRepo.RotateRecoveryCodes(ctx, userID, encCodes); err != nil {
		s.logger.Error("failed to rotate recovery codes", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditor.AccountAction(ctx, models.EventMFACodesRotated, userID, ip, nil)
	return plain, nil
}

// DisableMFA turns MFA off after verifying a current second factor.
func (s *MFAService) DisableMFA(ctx context.Context, userID, code string, kind models.MFACodeKind, ip string) error {
	if err := s.limiter.CheckLimit(ctx, ratelimit.ScopeTwoFactorDisable, ip); err != nil {
		return err
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return models.ErrMFANotEnabled
	}
	if err := s.VerifyCode(ctx, user, code, kind); err != nil {
		return err
	}

	if err := s.mfaRepo.DisableMFA(ctx, userID); err != nil {
		s.logger.Error("failed to disable mfa", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	s.sessions.EvictUser(ctx, userID)

	if err := s.email.SendMFADisabled(ctx, user.Email); err != nil {
		s.logger.Warn("failed to send mfa disabled notice", slog.Any("error", err))
	}
	s.auditor.AccountAction(ctx, models.EventMFADisabled, userID, ip, map[string]string{"kind": string(kind)})
	return nil
}

// ListRecoveryCodes decrypts the user's unused recovery codes for download.
// It returns ErrNotFound when none are left and fails as a whole if any code
// cannot be decrypted.
func (s *MFAService) ListRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	stored, err := s.codes.ListUnused(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load recovery codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if len(stored) == 0 {
		return nil, models.ErrNotFound
	}

	codes := make([]string, 0, len(stored))
	for _, rc := range stored {
		plain, err := s.codec.DecryptString(rc.Code, auth.PurposeRecoveryCode)
		if err != nil {
			s.logger.Error("undecryptable recovery code", slog.String("id", rc.ID), slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		codes = append(codes, plain)
	}
	return codes, nil
}

// RecoveryCodesRemaining counts the user's unused recovery codes.
func (s *MFAService) RecoveryCodesRemaining(ctx context.Context, userID string) (int, error) {
	n, err := s.codes.CountUnused(ctx, userID)
	if err != nil {
		s.logger.Error("failed to count recovery codes", slog.Any("error", err))
		return 0, models.ErrInternalServer
	}
	return n, nil
}

func (s *MFAService) newRecoveryCodes() (plain, encrypted []string, err error) {
	plain, err = pkgauth.GenerateRecoveryCodes(s.cfg.RecoveryCodeCount)
	if err != nil {
		return nil, nil, models.ErrInternalServer
	}
	encrypted = make([]string, len(plain))
	for i, c := range plain {
		if encrypted[i], err = s.codec.EncryptString(c, auth.PurposeRecoveryCode); err != nil {
			return nil, nil, models.ErrInternalServer
		}
	}
	return plain, encrypted, nil
}

func (s *MFAService) loadUser(ctx context.Context, userID string) (*models.User, error) {
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
