package services

import (
	"context"
	"log/slog"

	"github.com/BradenHooton/bastion/internal/messaging"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/observability"
	"github.com/BradenHooton/bastion/pkg/clock"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/google/uuid"
)

// SecurityAuditor fans a security-relevant outcome out to the login log
// table, the audit log and the event exchange. Nothing it does can fail the
// operation being audited.
type SecurityAuditor struct {
	loginLogs   LoginLogRepository
	auditLogger *pkglogger.AuditLogger
	publisher   messaging.Publisher
	clock       clock.Clock
	logger      *slog.Logger
}

func NewSecurityAuditor(loginLogs LoginLogRepository, auditLogger *pkglogger.AuditLogger, publisher messaging.Publisher, clk clock.Clock, logger *slog.Logger) *SecurityAuditor {
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	return &SecurityAuditor{
		loginLogs:   loginLogs,
		auditLogger: auditLogger,
		publisher:   publisher,
		clock:       clk,
		logger:      logger,
	}
}

// LoginSucceeded records a completed login that issued sessionID.
func (a *SecurityAuditor) LoginSucceeded(ctx context.Context, userID, sessionID string, method models.LoginMethod, ip, userAgent string) {
	observability.AuthAttempts.WithLabelValues(method.String(), "success").Inc()

	entry := &models.LoginLog{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Method:    method,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: a.clock.Now(),
	}
	if err := a.loginLogs.Create(ctx, entry); err != nil {
		a.logger.Warn("failed to write login log", slog.String("user_id", userID), slog.Any("error", err))
	}

	a.auditLogger.LogLogin(ctx, userID, method.String(), ip, userAgent, true, "")
	a.publish(ctx, &models.SecurityEvent{
		Type:      models.EventLoginSucceeded,
		UserID:    userID,
		Method:    method,
		Success:   true,
		IPAddress: ip,
		UserAgent: userAgent,
		Metadata:  models.EventMetadata{"session_id": sessionID},
	})
}

// LoginFailed records a rejected login. userID may be empty.
func (a *SecurityAuditor) LoginFailed(ctx context.Context, userID string, method models.LoginMethod, ip, userAgent, reason string) {
	observability.AuthAttempts.WithLabelValues(method.String(), reason).Inc()

	a.auditLogger.LogLogin(ctx, userID, method.String(), ip, userAgent, false, reason)
	a.publish(ctx, &models.SecurityEvent{
		Type:      models.EventLoginFailed,
		UserID:    userID,
		Method:    method,
		Reason:    reason,
		IPAddress: ip,
		UserAgent: userAgent,
	})
}

// AccountAction records an account change. eventType doubles as the
// routing key.
func (a *SecurityAuditor) AccountAction(ctx context.Context, eventType, userID, ip string, metadata map[string]string) {
	a.auditLogger.LogAccountAction(ctx, eventType, userID, ip, metadata)

	meta := make(models.EventMetadata, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	a.publish(ctx, &models.SecurityEvent{
		Type:      eventType,
		UserID:    userID,
		Success:   true,
		IPAddress: ip,
		Metadata:  meta,
	})
}

func (a *SecurityAuditor) publish(ctx context.Context, event *models.SecurityEvent) {
	event.OccurredAt = a.clock.Now()
	if err := a.publisher.Publish(ctx, event); err != nil {
		a.logger.Warn("failed to publish security event",
			slog.String("type", event.Type),
			slog.Any("error", err))
	}
}
