package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const oauthColumns = `id, user_id, provider, provider_subject, email, created_at`

func scanOAuth(row *sql.Row) (*OAuthAccount, error) {
	var a OAuthAccount
	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderSubject, &a.Email, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning oauth account: %w", err)
	}
	return &a, nil
}

// OAuthAccountBySubject finds the link row for a provider identity.
func (s *Store) OAuthAccountBySubject(ctx context.Context, provider, subject string) (*OAuthAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+oauthColumns+` FROM oauth_accounts
		WHERE provider = $1 AND provider_subject = $2`, provider, subject)
	return scanOAuth(row)
}

// CreateOAuthAccount links a federated identity to a local user.
func (s *Store) CreateOAuthAccount(ctx context.Context, userID uuid.UUID, provider, subject, email string) (*OAuthAccount, error) {
	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO oauth_accounts (id, user_id, provider, provider_subject, email)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+oauthColumns,
		id, userID, provider, subject, email)
	return scanOAuth(row)
}
