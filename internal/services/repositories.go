package services

import (
	"context"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// UserRepository defines the user persistence operations services rely on.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByNormalizedEmail(ctx context.Context, normalizedEmail string) (*models.User, error)
	Create(ctx context.Context, user *models.User, method models.LoginMethod) (*models.User, error)
	AddLoginMethod(ctx context.Context, userID string, method models.LoginMethod) error
	MarkEmailVerified(ctx context.Context, id string) error
	UpdateEmail(ctx context.Context, id, email, normalizedEmail string) error
	UpdateProfile(ctx context.Context, id, fullName string, photo *string) error
	UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash, keepSessionID string) ([]string, error)
	Delete(ctx context.Context, id string) ([]string, error)
	GetLoginMethods(ctx context.Context, userID string) ([]models.LoginMethod, error)
}

// SessionRepository is the durable half of the session store.
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	GetActiveWithUser(ctx context.Context, id string, now time.Time) (*models.SessionInfo, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	DeleteByID(ctx context.Context, id string) (bool, error)
	DeleteByIDAndUser(ctx context.Context, id, userID string) (bool, error)
	DeleteAllForUser(ctx context.Context, userID, exceptID string) ([]string, error)
	ListForUser(ctx context.Context, userID string, now time.Time) ([]models.SessionSummary, error)
}

// SessionCache is the fast, short-lived half of the session store.
type SessionCache interface {
	Get(ctx context.Context, id string) (string, time.Duration, error)
	Set(ctx context.Context, id, payload string, ttl time.Duration) error
	Refresh(ctx context.Context, id string, ttl time.Duration) error
	Delete(ctx context.Context, ids ...string) error
}

type RecoveryCodeRepository interface {
	ListUnused(ctx context.Context, userID string) ([]*models.RecoveryCode, error)
	MarkUsed(ctx context.Context, id string) (bool, error)
	CountUnused(ctx context.Context, userID string) (int, error)
}

// MFARepository performs the transactional MFA state changes.
type MFARepository interface {
	EnableMFA(ctx context.Context, userID, encryptedSecret string, encryptedCodes []string, keepSessionID string) ([]string, error)
	RotateRecoveryCodes(ctx context.Context, userID string, encryptedCodes []string) error
	DisableMFA(ctx context.Context, userID string) error
}

type ChallengeStore interface {
	Create(ctx context.Context, token string, ch models.MFAChallenge, ttl time.Duration) error
	Get(ctx context.Context, token string) (*models.MFAChallenge, error)
	Delete(ctx context.Context, token string) (bool, error)
}

// MFAStateStore holds pending enrollment secrets and the TOTP replay guard.
type MFAStateStore interface {
	SetPendingSecret(ctx context.Context, userID, encryptedSecret string, ttl time.Duration) error
	GetPendingSecret(ctx context.Context, userID string) (string, error)
	DeletePendingSecret(ctx context.Context, userID string) error
	ClaimTOTPCode(ctx context.Context, userID, code string, ttl time.Duration) (bool, error)
}

type VerificationStore interface {
	Put(ctx context.Context, purpose models.VerificationPurpose, id string, rec models.VerificationRecord, ttl time.Duration) error
	Get(ctx context.Context, purpose models.VerificationPurpose, id string) (*models.VerificationRecord, error)
	Delete(ctx context.Context, purpose models.VerificationPurpose, id string) (bool, error)
}

type OAuthRepository interface {
	GetByProviderID(ctx context.Context, provider models.LoginMethod, providerUserID string) (*models.OAuthLink, error)
	Create(ctx context.Context, link *models.OAuthLink) error
	UpdateEmail(ctx context.Context, provider models.LoginMethod, providerUserID, email string) error
	ListForUser(ctx context.Context, userID string) ([]models.OAuthLink, error)
}

type LoginLogRepository interface {
	Create(ctx context.Context, l *models.LoginLog) error
	ListRecentForUser(ctx context.Context, userID string, limit int) ([]models.LoginLog, error)
}
