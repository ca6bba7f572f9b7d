package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const oneTimeColumns = `id, user_id, purpose, token_hash, expires_at, consumed_at, created_at`

func scanOneTime(row *sql.Row) (*OneTimeToken, error) {
	var t OneTimeToken
	err := row.Scan(&t.ID, &t.UserID, &t.Purpose, &t.TokenHash,
		&t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning one-time token: %w", err)
	}
	return &t, nil
}

// CreateOneTimeToken inserts a new single-use token row.
func (s *Store) CreateOneTimeToken(ctx context.Context, userID uuid.UUID, purpose, tokenHash string, expiresAt time.Time) (*OneTimeToken, error) {
	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO one_time_tokens (id, user_id, purpose, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+oneTimeColumns,
		id, userID, purpose, tokenHash, expiresAt)
	return scanOneTime(row)
}

// FindOneTimeToken locates an unconsumed, unexpired token by hash and
// purpose. Expired or consumed tokens are indistinguishable from ones
// that never existed.
func (s *Store) FindOneTimeToken(ctx context.Context, purpose, tokenHash string) (*OneTimeToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+oneTimeColumns+` FROM one_time_tokens
		WHERE purpose = $1 AND token_hash = $2
		  AND consumed_at IS NULL AND expires_at > NOW()`,
		purpose, tokenHash)
	return scanOneTime(row)
}

// ConsumeOneTimeToken marks a token used. The guard on consumed_at
// makes concurrent consumption of the same token succeed exactly once;
// the loser gets ErrNotFound.
func (s *Store) ConsumeOneTimeToken(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE one_time_tokens SET consumed_at = NOW()
		WHERE id = $1 AND consumed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("consuming one-time token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidateOneTimeTokens consumes every outstanding token a user holds
// for a purpose, so issuing a fresh reset link voids older ones.
func (s *Store) InvalidateOneTimeTokens(ctx context.Context, userID uuid.UUID, purpose string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE one_time_tokens SET consumed_at = NOW()
		WHERE user_id = $1 AND purpose = $2 AND consumed_at IS NULL`,
		userID, purpose)
	if err != nil {
		return fmt.Errorf("invalidating one-time tokens: %w", err)
	}
	return nil
}
