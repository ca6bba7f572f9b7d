package store

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account. PasswordHash is empty for accounts
// provisioned through a federated identity that never set a password.
type User struct {
	ID                  uuid.UUID
	Email               string
	PasswordHash        string
	DisplayName         string
	AvatarURL           string
	Bio                 string
	EmailVerified       bool
	IsActive            bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Locked reports whether the account is locked out at the given instant.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// RefreshToken is one entry in the refresh-token ledger. The raw token
// never touches the database; only its peppered hash is stored.
type RefreshToken struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	TokenHash         string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	LastUsedAt        *time.Time
	RevokedAt         *time.Time
	ReplacedByTokenID *uuid.UUID
	UserAgent         string
	IPAddress         string
}

// Usable reports whether the token is neither revoked nor expired.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// One-time token purposes.
const (
	PurposeVerifyEmail   = "verify_email"
	PurposePasswordReset = "password_reset"
)

// OneTimeToken is a single-use token for email verification or
// password reset flows.
type OneTimeToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Purpose    string
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// OAuthAccount links a federated identity to a local user.
type OAuthAccount struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Provider        string
	ProviderSubject string
	Email           string
	CreatedAt       time.Time
}

// OutboxEmail is a pending email handed off to the delivery worker.
type OutboxEmail struct {
	ID        uuid.UUID
	Recipient string
	Template  string
	Payload   []byte
	CreatedAt time.Time
	SentAt    *time.Time
}
