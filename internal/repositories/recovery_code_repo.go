package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecoveryCodeRepository stores encrypted single-use MFA recovery codes.
type RecoveryCodeRepository struct {
	db *database.DB
}

func NewRecoveryCodeRepository(db *database.DB) *RecoveryCodeRepository {
	return &RecoveryCodeRepository{db: db}
}

func scanRecoveryCodeRow(scanner rowScanner) (*models.RecoveryCode, error) {
	var rc models.RecoveryCode
	err := scanner.Scan(&rc.ID, &rc.UserID, &rc.Code, &rc.Used, &rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &rc, nil
}

// ListUnused returns the user's codes that have not been redeemed.
func (r *RecoveryCodeRepository) ListUnused(ctx context.Context, userID string) ([]*models.RecoveryCode, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, code, used, created_at, updated_at
		FROM recovery_codes WHERE user_id = $1 AND used = false
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery codes: %w", err)
	}
	defer rows.Close()

	codes := make([]*models.RecoveryCode, 0)
	for rows.Next() {
		rc, err := scanRecoveryCodeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery code: %w", err)
		}
		codes = append(codes, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovery codes: %w", err)
	}
	return codes, nil
}

// MarkUsed flips the code to used. It reports false when the code was
// already used, so two concurrent redemptions cannot both succeed.
func (r *RecoveryCodeRepository) MarkUsed(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE recovery_codes SET used = true, updated_at = NOW()
		WHERE id = $1 AND used = false
	`, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RecoveryCodeRepository) CountUnused(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recovery_codes WHERE user_id = $1 AND used = false`, userID).Scan(&n)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return n, nil
}

func replaceRecoveryCodes(ctx context.Context, tx pgx.Tx, userID string, encryptedCodes []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete recovery codes: %w", database.MapPostgresError(err))
	}

	batch := &pgx.Batch{}
	for _, code := range encryptedCodes {
		batch.Queue(`INSERT INTO recovery_codes (id, user_id, code) VALUES ($1, $2, $3)`,
			uuid.New().String(), userID, code)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert recovery codes: %w", database.MapPostgresError(err))
	}
	return nil
}
