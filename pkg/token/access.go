// Package token mints and verifies the two credential shapes gatekeep
// issues: short-lived signed access tokens and opaque random tokens whose
// peppered hashes back refresh and one-time token records.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrNoSecret is returned when minting is attempted without a signing
	// secret configured.
	ErrNoSecret = errors.New("token: signing secret is not configured")
	// ErrInvalidToken covers bad signatures, expired tokens, and malformed
	// structure. Callers surface it as a single generic failure.
	ErrInvalidToken = errors.New("token: invalid token")
)

// AccessClaims are the claims embedded in an access token.
type AccessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AccessIssuer mints and verifies stateless HS256 access tokens. There is
// no revocation list: the short TTL bounds exposure from a leaked token.
type AccessIssuer struct {
	secret []byte
}

// NewAccessIssuer creates an issuer signing with secret.
func NewAccessIssuer(secret []byte) *AccessIssuer {
	return &AccessIssuer{secret: secret}
}

// Mint signs an access token for subject valid for ttl from now.
func (a *AccessIssuer) Mint(subject uuid.UUID, email string, ttl time.Duration, now time.Time) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}

	claims := AccessClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an access token and returns its claims.
// Every parse, signature, and expiry failure maps to ErrInvalidToken.
func (a *AccessIssuer) Verify(raw string) (*AccessClaims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNoSecret
	}

	var claims AccessClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Subject parses the claims' subject as a user id.
func (c *AccessClaims) SubjectID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}
