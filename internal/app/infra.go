// Package app opens the shared infrastructure used by both the API server
// and the authctl admin tool.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/ratelimit"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/BradenHooton/bastion/pkg/clock"
	"github.com/redis/go-redis/v9"
)

// Infra holds the durable store, the fast store and the components built
// directly on them.
type Infra struct {
	DB          *database.DB
	Redis       *redis.Client
	Clock       clock.Clock
	Codec       *auth.SecretCodec
	Sessions    *services.SessionStore
	SessionRepo *repositories.SessionRepository
	Limiter     *services.RateLimitService
	Limiters    map[string]ratelimit.Limiter
}

// Open connects to Postgres and Redis and builds the codec, limiters and
// session store. Close releases the connections.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Infra, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	policies, err := config.LoadRateLimitPolicies(cfg.RateLimit.PolicyFile)
	if err != nil {
		return nil, err
	}

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rdb, err := database.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	clk := clock.Real{}
	limiters, err := ratelimit.Build(rdb, clk, policies)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}

	sessionRepo := repositories.NewSessionRepository(db)
	sessions := services.NewSessionStore(
		sessionRepo,
		repositories.NewSessionCache(rdb),
		codec,
		clk,
		services.SessionStoreConfig{
			MaxLifetime:           cfg.Session.MaxLifetime,
			RenewalThreshold:      cfg.Session.RenewalThreshold,
			CacheTTL:              cfg.Session.CacheTTL,
			CacheRefreshThreshold: cfg.Session.CacheRefreshThreshold,
		},
		logger,
	)

	return &Infra{
		DB:          db,
		Redis:       rdb,
		Clock:       clk,
		Codec:       codec,
		Sessions:    sessions,
		SessionRepo: sessionRepo,
		Limiter:     services.NewRateLimitService(limiters, logger),
		Limiters:    limiters,
	}, nil
}

// Close releases the database pool and the Redis client.
func (i *Infra) Close() {
	i.Redis.Close()
	i.DB.Close()
}

// NewCodec builds the secret codec from configured key material.
func NewCodec(cc config.CodecConfig) (*auth.SecretCodec, error) {
	explicit := make(map[auth.Purpose][]byte, len(cc.Keys))
	for name, key := range cc.Keys {
		explicit[auth.Purpose(name)] = key
	}
	codec, err := auth.NewSecretCodec(cc.MasterKey, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to build secret codec: %w", err)
	}
	return codec, nil
}
