// Package testutil starts throwaway backing services for tests that need a
// real store.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRedis manages a Redis testcontainer
type TestRedis struct {
	Container testcontainers.Container
	Client    *redis.Client
}

// SetupTestRedis starts a Redis container and returns a connected client
func SetupTestRedis(ctx context.Context) (*TestRedis, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort("6379/tcp"),
		).WithDeadline(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &TestRedis{Container: container, Client: client}, nil
}

// Flush clears all keys between tests
func (r *TestRedis) Flush(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}

// Teardown closes the client and stops the container
func (r *TestRedis) Teardown(ctx context.Context) error {
	if r.Client != nil {
		r.Client.Close()
	}
	if r.Container != nil {
		return r.Container.Terminate(ctx)
	}
	return nil
}

// RedisClient starts a container for the calling test and flushes it after.
// The test is skipped under -short or when no container runtime is reachable.
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis-backed test in short mode")
	}

	ctx := context.Background()
	r, err := SetupTestRedis(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Teardown(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})
	return r.Client
}

var shared struct {
	once  sync.Once
	redis *TestRedis
	err   error
}

// SharedRedisClient returns a client for one container shared by every test
// in the binary, flushed after each test. The container is reaped when the
// test process exits. Skips like RedisClient.
func SharedRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis-backed test in short mode")
	}

	shared.once.Do(func() {
		shared.redis, shared.err = SetupTestRedis(context.Background())
	})
	if shared.err != nil {
		t.Skipf("redis container unavailable: %v", shared.err)
	}
	t.Cleanup(func() {
		if err := shared.redis.Flush(context.Background()); err != nil {
			t.Logf("failed to flush redis: %v", err)
		}
	})
	return shared.redis.Client
}
