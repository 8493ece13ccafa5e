package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/redis/go-redis/v9"
)

// VerificationStore keeps short-lived emailed codes keyed by purpose and a
// random verification id.
type VerificationStore struct {
	client redis.Cmdable
}

func NewVerificationStore(client redis.Cmdable) *VerificationStore {
	return &VerificationStore{client: client}
}

func verificationKey(purpose models.VerificationPurpose, id string) string {
	return string(purpose) + ":" + id
}

func (s *VerificationStore) Put(ctx context.Context, purpose models.VerificationPurpose, id string, rec models.VerificationRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode verification record: %w", err)
	}
	if err := s.client.Set(ctx, verificationKey(purpose, id), b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store verification record: %w", err)
	}
	return nil
}

// Get returns models.ErrNotFound for unknown or expired ids.
func (s *VerificationStore) Get(ctx context.Context, purpose models.VerificationPurpose, id string) (*models.VerificationRecord, error) {
	raw, err := s.client.Get(ctx, verificationKey(purpose, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read verification record: %w", err)
	}

	var rec models.VerificationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode verification record: %w", err)
	}
	return &rec, nil
}

// Delete reports whether the record existed.
func (s *VerificationStore) Delete(ctx context.Context, purpose models.VerificationPurpose, id string) (bool, error) {
	n, err := s.client.Del(ctx, verificationKey(purpose, id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete verification record: %w", err)
	}
	return n == 1, nil
}
