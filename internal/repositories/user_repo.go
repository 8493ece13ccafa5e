package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, full_name, email, normalized_email, password_hash, profile_photo,
	email_verified, mfa_enabled, totp_secret, is_banned, created_at, updated_at`

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var passwordHash, totpSecret *string

	err := scanner.Scan(
		&user.ID, &user.FullName, &user.Email, &user.NormalizedEmail,
		&passwordHash, &user.ProfilePhoto,
		&user.EmailVerified, &user.MFAEnabled, &totpSecret, &user.IsBanned,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if passwordHash != nil {
		user.PasswordHash = *passwordHash
	}
	if totpSecret != nil {
		user.TOTPSecret = *totpSecret
	}

	return &user, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	return scanUserRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByNormalizedEmail(ctx context.Context, normalizedEmail string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE normalized_email = $1`

	return scanUserRow(r.db.Pool.QueryRow(ctx, query, normalizedEmail))
}

// Create inserts the user and records the login method it signed up with.
func (r *UserRepository) Create(ctx context.Context, user *models.User, method models.LoginMethod) (*models.User, error) {
	user.ID = uuid.New().String()

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, full_name, email, normalized_email, password_hash, profile_photo,
			email_verified, mfa_enabled, is_banned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, false, $8, $9)
		RETURNING ` + userColumns

	var created *models.User
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = scanUserRow(tx.QueryRow(ctx, query,
			user.ID, user.FullName, user.Email, user.NormalizedEmail,
			nullableString(user.PasswordHash), user.ProfilePhoto,
			user.EmailVerified, user.CreatedAt, user.UpdatedAt,
		))
		if err != nil {
			return err
		}
		return addLoginMethod(ctx, tx, created.ID, method)
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return created, nil
}

func addLoginMethod(ctx context.Context, q database.Querier, userID string, method models.LoginMethod) error {
	_, err := q.Exec(ctx, `
		INSERT INTO user_login_methods (user_id, method) VALUES ($1, $2)
		ON CONFLICT (user_id, method) DO NOTHING
	`, userID, string(method))
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// AddLoginMethod records that the user has signed in with method.
func (r *UserRepository) AddLoginMethod(ctx context.Context, userID string, method models.LoginMethod) error {
	return addLoginMethod(ctx, r.db.Pool, userID, method)
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET email_verified = true, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateEmail changes the address; the new address is considered verified
// because both sides confirmed a code.
func (r *UserRepository) UpdateEmail(ctx context.Context, id, email, normalizedEmail string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET email = $2, normalized_email = $3, email_verified = true, updated_at = NOW()
		WHERE id = $1
	`, id, email, normalizedEmail)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id, fullName string, photo *string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET
			full_name = CASE WHEN full_name = '' THEN $2 ELSE full_name END,
			profile_photo = COALESCE(profile_photo, $3),
			updated_at = NOW()
		WHERE id = $1
	`, id, fullName, photo)
	return database.MapPostgresError(err)
}

// UpdatePasswordAndRevokeSessions sets a new hash and deletes the user's
// sessions in one transaction. When keepSessionID is non-empty that session
// survives. The deleted session ids are returned so callers can evict caches.
func (r *UserRepository) UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash, keepSessionID string) ([]string, error) {
	var revoked []string
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, userID, passwordHash)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}
		if err := addLoginMethod(ctx, tx, userID, models.LoginMethodPassword); err != nil {
			return err
		}
		revoked, err = deleteSessionsForUser(ctx, tx, userID, keepSessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// Delete removes the user and everything that cascades from it. The ids of
// the sessions that existed are returned for cache eviction.
func (r *UserRepository) Delete(ctx context.Context, id string) ([]string, error) {
	var revoked []string
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		revoked, err = deleteSessionsForUser(ctx, tx, id, "")
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// GetLoginMethods lists the methods the user has signed in with.
func (r *UserRepository) GetLoginMethods(ctx context.Context, userID string) ([]models.LoginMethod, error) {
	var raw []string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(array_agg(method ORDER BY created_at), '{}')
		FROM user_login_methods WHERE user_id = $1
	`, userID).Scan(pq.Array(&raw))
	if err != nil {
		return nil, fmt.Errorf("failed to get login methods: %w", database.MapPostgresError(err))
	}

	methods := make([]models.LoginMethod, 0, len(raw))
	for _, m := range raw {
		methods = append(methods, models.LoginMethod(m))
	}
	return methods, nil
}
