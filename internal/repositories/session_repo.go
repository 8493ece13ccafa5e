package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// SessionRepository is the durable session store.
type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.Pool.Exec(ctx, query, s.ID, s.UserID, s.ExpiresAt, s.CreatedAt); err != nil {
		return fmt.Errorf("failed to create session: %w", database.MapPostgresError(err))
	}
	return nil
}

// GetActiveWithUser returns the session joined with its user when
// expires_at >= now. Expired rows are treated as absent but left in place.
func (r *SessionRepository) GetActiveWithUser(ctx context.Context, id string, now time.Time) (*models.SessionInfo, error) {
	query := `
		SELECT s.id, s.user_id, s.expires_at, u.email, u.full_name, u.email_verified, u.mfa_enabled
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1 AND s.expires_at >= $2 AND u.is_banned = false
	`

	var info models.SessionInfo
	err := r.db.Pool.QueryRow(ctx, query, id, now).Scan(
		&info.SessionID, &info.UserID, &info.ExpiresAt,
		&info.Email, &info.FullName, &info.EmailVerified, &info.MFAEnabled,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &info, nil
}

func (r *SessionRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE sessions SET expires_at = $2 WHERE id = $1`, id, expiresAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteByID reports whether a row was removed.
func (r *SessionRepository) DeleteByID(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteByIDAndUser removes the session only if userID owns it.
func (r *SessionRepository) DeleteByIDAndUser(ctx context.Context, id, userID string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAllForUser removes every session of userID except exceptID (when
// non-empty) and returns the removed ids.
func (r *SessionRepository) DeleteAllForUser(ctx context.Context, userID, exceptID string) ([]string, error) {
	return deleteSessionsForUser(ctx, r.db.Pool, userID, exceptID)
}

func deleteSessionsForUser(ctx context.Context, q database.Querier, userID, exceptID string) ([]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if exceptID == "" {
		rows, err = q.Query(ctx, `DELETE FROM sessions WHERE user_id = $1 RETURNING id`, userID)
	} else {
		rows, err = q.Query(ctx, `DELETE FROM sessions WHERE user_id = $1 AND id <> $2 RETURNING id`, userID, exceptID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete sessions: %w", database.MapPostgresError(err))
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect deleted session ids: %w", err)
	}
	return ids, nil
}

// ListForUser returns active sessions with the metadata logged when each
// was issued, newest first.
func (r *SessionRepository) ListForUser(ctx context.Context, userID string, now time.Time) ([]models.SessionSummary, error) {
	query := `
		SELECT s.id, s.created_at, s.expires_at,
		       COALESCE(l.method, ''), COALESCE(l.ip_address, ''), COALESCE(l.user_agent, '')
		FROM sessions s
		LEFT JOIN LATERAL (
			SELECT method, ip_address, user_agent FROM login_logs
			WHERE session_id = s.id ORDER BY created_at DESC LIMIT 1
		) l ON true
		WHERE s.user_id = $1 AND s.expires_at >= $2
		ORDER BY s.created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.SessionSummary, 0)
	for rows.Next() {
		var s models.SessionSummary
		var method string
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.ExpiresAt, &method, &s.IPAddress, &s.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.Method = models.LoginMethod(method)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}
