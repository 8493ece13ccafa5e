package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/pkg/clock"
)

// LoginLogPruner deletes login log rows created before cutoff.
type LoginLogPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupManager periodically prunes login logs past the retention period.
// Sessions are never swept here; an expired session row is simply never
// returned by a lookup.
type CleanupManager struct {
	loginLogs LoginLogPruner
	clock     clock.Clock
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(loginLogs LoginLogPruner, clk clock.Clock, retention, interval time.Duration, logger *slog.Logger) *CleanupManager {
	return &CleanupManager{
		loginLogs: loginLogs,
		clock:     clk,
		retention: retention,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce prunes login logs older than the retention period and returns
// the number of rows removed.
func (cm *CleanupManager) RunOnce(ctx context.Context) int64 {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := cm.clock.Now().Add(-cm.retention)
	rowsDeleted, err := cm.loginLogs.DeleteOlderThan(cleanupCtx, cutoff)
	if err != nil {
		cm.logger.Error("failed to prune login logs", slog.Any("error", err))
		return 0
	}

	if rowsDeleted > 0 {
		cm.logger.Info("login log cleanup completed",
			slog.Int64("rows_deleted", rowsDeleted),
			slog.Time("cutoff", cutoff))
	}
	return rowsDeleted
}

// Stop signals the cleanup manager to stop. It is safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
