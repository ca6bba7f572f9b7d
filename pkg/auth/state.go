package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const stateMaxAge = 10 * time.Minute

// nextAllowList holds the post-login destinations a state may name.
// Anything else falls back to the default, closing open redirects.
var nextAllowList = map[string]bool{
	"/dashboard": true,
}

const defaultNext = "/dashboard"

type statePayload struct {
	Nonce    string `json:"n"`
	IssuedAt int64  `json:"t"`
	Next     string `json:"next,omitempty"`
}

// StateSigner mints and validates the signed state parameter that ties
// an OAuth callback to the browser session that started it.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a signer over the shared state secret.
func NewStateSigner(secret []byte) *StateSigner {
	return &StateSigner{secret: secret, now: time.Now}
}

func (s *StateSigner) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Mint produces a signed state value binding the session nonce and the
// requested post-login destination.
func (s *StateSigner) Mint(nonce, next string) (string, error) {
	if !nextAllowList[next] {
		next = defaultNext
	}
	payload, err := json.Marshal(statePayload{
		Nonce:    nonce,
		IssuedAt: s.now().Unix(),
		Next:     next,
	})
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.sign(payload), nil
}

// Validate checks a returned state against the session nonce and
// returns the destination it carries. Every failure collapses into
// ErrInvalidToken so a caller learns nothing about which check failed.
func (s *StateSigner) Validate(state, expectedNonce string) (next string, err error) {
	parts := strings.Split(state, ".")
	if len(parts) != 2 {
		return "", ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(parts[1]), []byte(s.sign(payload))) {
		return "", ErrInvalidToken
	}

	var decoded statePayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", ErrInvalidToken
	}
	if decoded.Nonce == "" || decoded.Nonce != expectedNonce {
		return "", ErrInvalidToken
	}
	issued := time.Unix(decoded.IssuedAt, 0)
	nowT := s.now()
	if nowT.Sub(issued) > stateMaxAge || issued.After(nowT.Add(time.Minute)) {
		return "", ErrInvalidToken
	}

	if !nextAllowList[decoded.Next] {
		return defaultNext, nil
	}
	return decoded.Next, nil
}
