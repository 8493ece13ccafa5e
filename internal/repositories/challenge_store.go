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

const challengePrefix = "mfa_challenge:"

// ChallengeStore keeps pending second-factor challenges.
type ChallengeStore struct {
	client redis.Cmdable
}

func NewChallengeStore(client redis.Cmdable) *ChallengeStore {
	return &ChallengeStore{client: client}
}

func (s *ChallengeStore) Create(ctx context.Context, token string, ch models.MFAChallenge, ttl time.Duration) error {
	b, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}
	ok, err := s.client.SetNX(ctx, challengePrefix+token, b, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	if !ok {
		return models.ErrConflict
	}
	return nil
}

// Get returns models.ErrNotFound once the challenge expired or was consumed.
func (s *ChallengeStore) Get(ctx context.Context, token string) (*models.MFAChallenge, error) {
	raw, err := s.client.Get(ctx, challengePrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge: %w", err)
	}

	var ch models.MFAChallenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return &ch, nil
}

// Delete reports whether this call removed the challenge. Only one of two
// concurrent consumers sees true.
func (s *ChallengeStore) Delete(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Del(ctx, challengePrefix+token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete challenge: %w", err)
	}
	return n == 1, nil
}
