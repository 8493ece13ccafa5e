package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// MFARepository groups the multi-table MFA writes that must be atomic.
type MFARepository struct {
	db *database.DB
}

func NewMFARepository(db *database.DB) *MFARepository {
	return &MFARepository{db: db}
}

// EnableMFA stores the encrypted secret, replaces all recovery codes and
// deletes every other session of the user, all in one transaction. The
// deleted session ids are returned.
func (r *MFARepository) EnableMFA(ctx context.Context, userID, encryptedSecret string, encryptedCodes []string, keepSessionID string) ([]string, error) {
	var revoked []string
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users SET totp_secret = $2, mfa_enabled = true, updated_at = NOW()
			WHERE id = $1 AND mfa_enabled = false
		`, userID, encryptedSecret)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrMFAAlreadyEnabled
		}

		if err := replaceRecoveryCodes(ctx, tx, userID, encryptedCodes); err != nil {
			return err
		}

		revoked, err = deleteSessionsForUser(ctx, tx, userID, keepSessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enable mfa: %w", err)
	}
	return revoked, nil
}

// RotateRecoveryCodes replaces the full set of codes. Either every new code
// is stored or none is.
func (r *MFARepository) RotateRecoveryCodes(ctx context.Context, userID string, encryptedCodes []string) error {
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var enabled bool
		err := tx.QueryRow(ctx, `SELECT mfa_enabled FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&enabled)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if !enabled {
			return models.ErrMFANotEnabled
		}
		return replaceRecoveryCodes(ctx, tx, userID, encryptedCodes)
	})
	if err != nil {
		return fmt.Errorf("failed to rotate recovery codes: %w", err)
	}
	return nil
}

// DisableMFA clears the secret and deletes all recovery codes.
func (r *MFARepository) DisableMFA(ctx context.Context, userID string) error {
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users SET totp_secret = NULL, mfa_enabled = false, updated_at = NOW()
			WHERE id = $1 AND mfa_enabled = true
		`, userID)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrMFANotEnabled
		}
		if _, err := tx.Exec(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
			return database.MapPostgresError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to disable mfa: %w", err)
	}
	return nil
}
