package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	pendingSecretPrefix = "mfa_setup:"
	usedTOTPPrefix      = "totp_used:"
)

// MFAStateStore holds enrollment secrets that are not yet confirmed and the
// TOTP codes recently accepted for each user.
type MFAStateStore struct {
	client redis.Cmdable
}

func NewMFAStateStore(client redis.Cmdable) *MFAStateStore {
	return &MFAStateStore{client: client}
}

func (s *MFAStateStore) SetPendingSecret(ctx context.Context, userID, encryptedSecret string, ttl time.Duration) error {
	if err := s.client.Set(ctx, pendingSecretPrefix+userID, encryptedSecret, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending secret: %w", err)
	}
	return nil
}

func (s *MFAStateStore) GetPendingSecret(ctx context.Context, userID string) (string, error) {
	v, err := s.client.Get(ctx, pendingSecretPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read pending secret: %w", err)
	}
	return v, nil
}

func (s *MFAStateStore) DeletePendingSecret(ctx context.Context, userID string) error {
	return s.client.Del(ctx, pendingSecretPrefix+userID).Err()
}

// ClaimTOTPCode records code as used for userID. It reports false if the
// same code was already accepted within ttl.
func (s *MFAStateStore) ClaimTOTPCode(ctx context.Context, userID, code string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, usedTOTPPrefix+userID+":"+code, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record totp use: %w", err)
	}
	return ok, nil
}
