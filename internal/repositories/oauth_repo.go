package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
)

// OAuthRepository links external provider accounts to users.
type OAuthRepository struct {
	db *database.DB
}

func NewOAuthRepository(db *database.DB) *OAuthRepository {
	return &OAuthRepository{db: db}
}

func scanOAuthLinkRow(row rowScanner) (*models.OAuthLink, error) {
	var link models.OAuthLink
	var provider string
	err := row.Scan(&provider, &link.ProviderUserID, &link.UserID, &link.Email, &link.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	link.Provider = models.LoginMethod(provider)
	return &link, nil
}

func (r *OAuthRepository) GetByProviderID(ctx context.Context, provider models.LoginMethod, providerUserID string) (*models.OAuthLink, error) {
	return scanOAuthLinkRow(r.db.Pool.QueryRow(ctx, `
		SELECT provider, provider_user_id, user_id, email, created_at
		FROM oauth_providers WHERE provider = $1 AND provider_user_id = $2
	`, string(provider), providerUserID))
}

func (r *OAuthRepository) Create(ctx context.Context, link *models.OAuthLink) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO oauth_providers (provider, provider_user_id, user_id, email)
		VALUES ($1, $2, $3, $4)
	`, string(link.Provider), link.ProviderUserID, link.UserID, link.Email)
	if err != nil {
		return fmt.Errorf("failed to link oauth account: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *OAuthRepository) UpdateEmail(ctx context.Context, provider models.LoginMethod, providerUserID, email string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE oauth_providers SET email = $3, updated_at = NOW()
		WHERE provider = $1 AND provider_user_id = $2
	`, string(provider), providerUserID, email)
	return database.MapPostgresError(err)
}

func (r *OAuthRepository) ListForUser(ctx context.Context, userID string) ([]models.OAuthLink, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT provider, provider_user_id, user_id, email, created_at
		FROM oauth_providers WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query oauth links: %w", err)
	}
	defer rows.Close()

	links := make([]models.OAuthLink, 0)
	for rows.Next() {
		link, err := scanOAuthLinkRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan oauth link: %w", err)
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating oauth links: %w", err)
	}
	return links, nil
}
