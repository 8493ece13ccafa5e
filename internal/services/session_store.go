package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/observability"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
	"github.com/BradenHooton/bastion/pkg/clock"
)

const sessionIDBytes = 32

// SessionStoreConfig controls session lifetime and caching.
type SessionStoreConfig struct {
	MaxLifetime           time.Duration
	RenewalThreshold      time.Duration
	CacheTTL              time.Duration
	CacheRefreshThreshold time.Duration
}

// SessionStore issues, resolves, renews and revokes sessions. Postgres is
// the source of truth; Redis holds an encrypted copy of each resolved
// session for CacheTTL so that most requests never reach the database.
type SessionStore struct {
	repo   SessionRepository
	cache  SessionCache
	codec  *auth.SecretCodec
	clock  clock.Clock
	cfg    SessionStoreConfig
	logger *slog.Logger
}

func NewSessionStore(repo SessionRepository, cache SessionCache, codec *auth.SecretCodec, clk clock.Clock, cfg SessionStoreConfig, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		repo:   repo,
		cache:  cache,
		codec:  codec,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// Create issues a new session for userID. The returned token is the
// encrypted session id for the cookie.
func (s *SessionStore) Create(ctx context.Context, userID string) (*models.IssuedSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}

	id, err := pkgauth.GenerateSecureToken(sessionIDBytes)
	if err != nil {
		s.logger.Error("failed to generate session id", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := s.clock.Now()
	session := &models.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: now.Add(s.cfg.MaxLifetime),
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		s.logger.Error("failed to persist session", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	token, err := s.codec.EncryptString(id, auth.PurposeSessionToken)
	if err != nil {
		s.logger.Error("failed to encrypt session id", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	observability.SessionsIssued.Inc()
	return &models.IssuedSession{SessionID: id, Token: token, ExpiresAt: session.ExpiresAt}, nil
}

// Lookup resolves a session cookie. Undecryptable, unknown and expired
// tokens all yield models.ErrSessionNotFound. Store failures on the durable
// path yield models.ErrInternalServer.
func (s *SessionStore) Lookup(ctx context.Context, token string) (*models.SessionInfo, error) {
	if token == "" {
		return nil, models.ErrSessionNotFound
	}
	id, err := s.codec.DecryptString(token, auth.PurposeSessionToken)
	if err != nil {
		return nil, models.ErrSessionNotFound
	}

	now := s.clock.Now()

	if info, ok := s.fromCache(ctx, id, now); ok {
		return info, nil
	}

	info, err := s.repo.GetActiveWithUser(ctx, id, now)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrSessionNotFound
		}
		s.logger.Error("failed to load session", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.populateCache(ctx, info)
	return info, nil
}

func (s *SessionStore) fromCache(ctx context.Context, id string, now time.Time) (*models.SessionInfo, bool) {
	payload, ttl, err := s.cache.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			observability.SessionCacheLookups.WithLabelValues("miss").Inc()
		} else {
			observability.SessionCacheLookups.WithLabelValues("error").Inc()
			s.logger.Warn("session cache read failed", slog.Any("error", err))
		}
		return nil, false
	}

	plain, err := s.codec.Decrypt(payload, auth.PurposeSessionCache)
	if err != nil {
		observability.SessionCacheLookups.WithLabelValues("corrupt").Inc()
		s.Evict(ctx, id)
		return nil, false
	}
	var info models.SessionInfo
	if err := json.Unmarshal(plain, &info); err != nil || info.SessionID != id {
		observability.SessionCacheLookups.WithLabelValues("corrupt").Inc()
		s.Evict(ctx, id)
		return nil, false
	}
	if !info.ExpiresAt.After(now) {
		observability.SessionCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	observability.SessionCacheLookups.WithLabelValues("hit").Inc()
	if ttl < s.cfg.CacheRefreshThreshold {
		if err := s.cache.Refresh(ctx, id, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("session cache refresh failed", slog.Any("error", err))
		}
	}
	return &info, true
}

func (s *SessionStore) populateCache(ctx context.Context, info *models.SessionInfo) {
	plain, err := json.Marshal(info)
	if err != nil {
		return
	}
	payload, err := s.codec.Encrypt(plain, auth.PurposeSessionCache)
	if err != nil {
		s.logger.Warn("failed to encrypt session cache entry", slog.Any("error", err))
		return
	}
	if err := s.cache.Set(ctx, info.SessionID, payload, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("session cache write failed", slog.Any("error", err))
	}
}

// Extend renews the session when no more than RenewalThreshold remains.
// Otherwise it is a no-op returning expiresAt unchanged.
func (s *SessionStore) Extend(ctx context.Context, sessionID string, expiresAt time.Time) (time.Time, bool, error) {
	now := s.clock.Now()
	if expiresAt.Sub(now) > s.cfg.RenewalThreshold {
		return expiresAt, false, nil
	}

	renewed := now.Add(s.cfg.MaxLifetime)
	if err := s.repo.UpdateExpiry(ctx, sessionID, renewed); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return expiresAt, false, models.ErrSessionNotFound
		}
		return expiresAt, false, fmt.Errorf("failed to extend session: %w", err)
	}
	s.Evict(ctx, sessionID)
	return renewed, true, nil
}

// DeleteByID revokes one session regardless of owner.
func (s *SessionStore) DeleteByID(ctx context.Context, sessionID string) error {
	deleted, err := s.repo.DeleteByID(ctx, sessionID)
	s.Evict(ctx, sessionID)
	if err != nil {
		s.logger.Error("failed to delete session", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if deleted {
		observability.SessionsRevoked.WithLabelValues("logout").Inc()
	}
	return nil
}

// DeleteByIDAndUser revokes a session only if userID owns it. A session
// that is missing or owned by someone else is models.ErrForbidden.
func (s *SessionStore) DeleteByIDAndUser(ctx context.Context, sessionID, userID string) error {
	deleted, err := s.repo.DeleteByIDAndUser(ctx, sessionID, userID)
	if err != nil {
		s.logger.Error("failed to delete session", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !deleted {
		return models.ErrForbidden
	}
	s.Evict(ctx, sessionID)
	observability.SessionsRevoked.WithLabelValues("revoke").Inc()
	return nil
}

// DeleteAllForUser revokes every session of userID, optionally keeping the
// caller's own, and returns the revoked ids.
func (s *SessionStore) DeleteAllForUser(ctx context.Context, userID string, opts models.DeleteSessionsOptions) ([]string, error) {
	except := ""
	if opts.KeepCurrent {
		if opts.CurrentSessionID == "" {
			return nil, fmt.Errorf("%w: current session id is required", models.ErrValidation)
		}
		except = opts.CurrentSessionID
	}

	ids, err := s.repo.DeleteAllForUser(ctx, userID, except)
	if err != nil {
		s.logger.Error("failed to delete sessions", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	s.Evict(ctx, ids...)
	observability.SessionsRevoked.WithLabelValues("revoke_all").Add(float64(len(ids)))
	return ids, nil
}

// ListForUser returns the user's active sessions, flagging currentID.
func (s *SessionStore) ListForUser(ctx context.Context, userID, currentID string) ([]models.SessionSummary, error) {
	sessions, err := s.repo.ListForUser(ctx, userID, s.clock.Now())
	if err != nil {
		s.logger.Error("failed to list sessions", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	for i := range sessions {
		sessions[i].Current = sessions[i].ID == currentID
	}
	return sessions, nil
}

// EvictUser drops the cached copies of all the user's sessions so the next
// request re-reads user fields such as email or MFA status.
func (s *SessionStore) EvictUser(ctx context.Context, userID string) {
	sessions, err := s.repo.ListForUser(ctx, userID, s.clock.Now())
	if err != nil {
		s.logger.Warn("failed to list sessions for eviction", slog.Any("error", err))
		return
	}
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	s.Evict(ctx, ids...)
}

// Evict removes cache entries. Failures are logged; the entry then lapses
// on its own within CacheTTL.
func (s *SessionStore) Evict(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := s.cache.Delete(ctx, ids...); err != nil {
		s.logger.Warn("session cache eviction failed", slog.Int("count", len(ids)), slog.Any("error", err))
	}
}
