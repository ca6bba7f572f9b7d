package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// opaqueLength is the number of random bytes in an opaque token (256 bits).
const opaqueLength = 32

// OpaqueGenerator produces random opaque tokens and their storage hashes.
// The raw value is handed to the caller exactly once; only the peppered
// SHA-256 hash is ever persisted, so a leaked table of hashes cannot be
// replayed without the server-held pepper.
type OpaqueGenerator struct {
	pepper string
}

// NewOpaqueGenerator creates a generator using pepper for storage hashes.
func NewOpaqueGenerator(pepper string) *OpaqueGenerator {
	return &OpaqueGenerator{pepper: pepper}
}

// New returns a fresh raw token and the hash under which it is stored.
func (g *OpaqueGenerator) New() (raw string, hash string, err error) {
	buf := make([]byte, opaqueLength)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, g.Hash(raw), nil
}

// Hash computes the storage hash for a raw token presented by a client.
func (g *OpaqueGenerator) Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw + g.pepper))
	return hex.EncodeToString(sum[:])
}
