package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// LoginLogRepository handles login log data access
type LoginLogRepository struct {
	db *database.DB
}

// NewLoginLogRepository creates a new LoginLogRepository
func NewLoginLogRepository(db *database.DB) *LoginLogRepository {
	return &LoginLogRepository{db: db}
}

func scanLoginLogRow(row rowScanner) (*models.LoginLog, error) {
	var l models.LoginLog
	var sessionID *string
	var method string

	err := row.Scan(
		&l.ID, &sessionID, &l.UserID, &method,
		&l.IPAddress, &l.UserAgent, &l.Browser, &l.OS, &l.Device,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	if sessionID != nil {
		l.SessionID = *sessionID
	}
	l.Method = models.LoginMethod(method)
	return &l, nil
}

func scanLoginLogRows(rows pgx.Rows) ([]models.LoginLog, error) {
	defer rows.Close()

	logs := make([]models.LoginLog, 0)
	for rows.Next() {
		l, err := scanLoginLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan login log: %w", err)
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating login log rows: %w", err)
	}
	return logs, nil
}

// Create inserts a login log entry
func (r *LoginLogRepository) Create(ctx context.Context, l *models.LoginLog) error {
	query := `
		INSERT INTO login_logs (session_id, user_id, method, ip_address, user_agent, browser, os, device)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		nullableString(l.SessionID), l.UserID, string(l.Method),
		l.IPAddress, l.UserAgent, l.Browser, l.OS, l.Device,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create login log: %w", database.MapPostgresError(err))
	}
	return nil
}

// ListRecentForUser returns the newest entries first
func (r *LoginLogRepository) ListRecentForUser(ctx context.Context, userID string, limit int) ([]models.LoginLog, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, session_id, user_id, method, ip_address, user_agent, browser, os, device, created_at
		FROM login_logs WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query login logs: %w", err)
	}
	return scanLoginLogRows(rows)
}

// DeleteOlderThan prunes entries created before cutoff and returns how many were removed
func (r *LoginLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM login_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune login logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
