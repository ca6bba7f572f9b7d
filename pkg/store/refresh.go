package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const refreshColumns = `id, user_id, token_hash, issued_at, expires_at,
	last_used_at, revoked_at, replaced_by_token_id, user_agent, ip_address`

func scanRefresh(row *sql.Row) (*RefreshToken, error) {
	var t RefreshToken
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt,
		&t.LastUsedAt, &t.RevokedAt, &t.ReplacedByTokenID, &t.UserAgent, &t.IPAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning refresh token: %w", err)
	}
	return &t, nil
}

// IssueRefreshToken inserts a new ledger row for the hashed token.
func (s *Store) IssueRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, userAgent, ip string) (*RefreshToken, error) {
	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+refreshColumns,
		id, userID, tokenHash, expiresAt, userAgent, ip)
	return scanRefresh(row)
}

// RefreshTokenByHash looks up a ledger row by its peppered hash,
// regardless of revocation state. Callers decide what a revoked hit
// means; presenting a revoked token is how reuse is detected.
func (s *Store) RefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	return scanRefresh(row)
}

// RotateRefreshToken issues a successor row, then revokes the old row
// pointing at it. The new row is created first so a crash between the
// two statements leaves the user with at least one valid token.
func (s *Store) RotateRefreshToken(ctx context.Context, old *RefreshToken, newHash string, expiresAt time.Time, userAgent, ip string) (*RefreshToken, error) {
	next, err := s.IssueRefreshToken(ctx, old.UserID, newHash, expiresAt, userAgent, ip)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = NOW(), replaced_by_token_id = $2
		WHERE id = $1 AND revoked_at IS NULL`,
		old.ID, next.ID)
	if err != nil {
		return nil, fmt.Errorf("revoking rotated token: %w", err)
	}
	return next, nil
}

// RevokeRefreshToken marks one ledger row revoked. Revoking an already
// revoked token is a no-op.
func (s *Store) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

// RevokeAllRefreshTokens revokes every active token for a user and
// returns how many were revoked.
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoking all refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RevokeAllRefreshTokensExcept revokes every active token for a user
// except the one named, keeping the caller's own session alive.
func (s *Store) RevokeAllRefreshTokensExcept(ctx context.Context, userID, keep uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE user_id = $1 AND id <> $2 AND revoked_at IS NULL`, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("revoking other refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TouchRefreshToken records last use along with the client that
// presented the token. Best effort; callers may ignore the error.
func (s *Store) TouchRefreshToken(ctx context.Context, id uuid.UUID, ip, userAgent string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET last_used_at = NOW(), ip_address = $2, user_agent = $3
		WHERE id = $1`, id, ip, userAgent)
	if err != nil {
		return fmt.Errorf("touching refresh token: %w", err)
	}
	return nil
}

// ActiveSessions lists the user's unrevoked, unexpired tokens, newest
// first.
func (s *Store) ActiveSessions(ctx context.Context, userID uuid.UUID) ([]*RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refreshColumns+` FROM refresh_tokens
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > NOW()
		ORDER BY issued_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*RefreshToken
	for rows.Next() {
		var t RefreshToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt,
			&t.LastUsedAt, &t.RevokedAt, &t.ReplacedByTokenID, &t.UserAgent, &t.IPAddress); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, &t)
	}
	return sessions, rows.Err()
}

// SessionByID fetches one ledger row owned by the user.
func (s *Store) SessionByID(ctx context.Context, userID, id uuid.UUID) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+refreshColumns+` FROM refresh_tokens
		WHERE id = $1 AND user_id = $2`, id, userID)
	return scanRefresh(row)
}
