package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken indicates a unique violation on users.email.
	ErrEmailTaken = errors.New("email already registered")
)

const userColumns = `id, email, password_hash, display_name, avatar_url, bio, email_verified, is_active,
	failed_login_attempts, locked_until, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var passwordHash sql.NullString
	err := row.Scan(&u.ID, &u.Email, &passwordHash, &u.DisplayName, &u.AvatarURL, &u.Bio,
		&u.EmailVerified, &u.IsActive, &u.FailedLoginAttempts, &u.LockedUntil, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.PasswordHash = passwordHash.String
	return &u, nil
}

// CreateUser inserts a new account. passwordHash may be empty for
// federated accounts. Returns ErrEmailTaken on duplicate email.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, emailVerified bool) (*User, error) {
	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash, email_verified)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING `+userColumns,
		id, email, passwordHash, emailVerified)

	user, err := scanUser(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return user, nil
}

// UserByEmail fetches a user by normalized email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// UserByID fetches a user by primary key.
func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// UpdateProfile applies a partial profile update. Nil fields are left
// unchanged.
func (s *Store) UpdateProfile(ctx context.Context, id uuid.UUID, displayName, avatarURL, bio *string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET display_name = COALESCE($2, display_name),
		    avatar_url = COALESCE($3, avatar_url),
		    bio = COALESCE($4, bio),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		id, displayName, avatarURL, bio)
	return scanUser(row)
}

// UpdateEmail changes the account email and clears the verified flag,
// since the new address has not been proven.
func (s *Store) UpdateEmail(ctx context.Context, id uuid.UUID, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET email = $2, email_verified = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		id, email)
	user, err := scanUser(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return user, nil
}

// SetPassword replaces the stored password hash.
func (s *Store) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`,
		id, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailVerified flips the verified flag.
func (s *Store) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking email verified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RegisterLoginFailure records a failed login attempt in a single
// conditional UPDATE, so concurrent failures cannot race past the
// lockout threshold. It returns the post-increment attempt count and
// the lockout deadline, if one was set.
func (s *Store) RegisterLoginFailure(ctx context.Context, id uuid.UUID, maxFailures int, lockFor time.Duration) (attempts int, lockedUntil *time.Time, err error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN NOW() + $3 * INTERVAL '1 second'
		        ELSE locked_until
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING failed_login_attempts, locked_until`,
		id, maxFailures, int64(lockFor.Seconds()))

	err = row.Scan(&attempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("registering login failure: %w", err)
	}
	return attempts, lockedUntil, nil
}

// ResetLoginFailures clears the failure counter and any lockout after a
// successful authentication.
func (s *Store) ResetLoginFailures(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resetting login failures: %w", err)
	}
	return nil
}
