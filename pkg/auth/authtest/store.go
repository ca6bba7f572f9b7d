// Package authtest provides in-memory fakes of the auth storage and
// audit surfaces for tests.
package authtest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/woodkill00/gatekeep/pkg/audit"
	"github.com/woodkill00/gatekeep/pkg/store"
)

// Email is one message captured by the fake outbox.
type Email struct {
	Recipient string
	Template  string
	Payload   map[string]string
}

// Store is an in-memory stand-in for *store.Store.
type Store struct {
	Mu            sync.Mutex
	Users         map[uuid.UUID]*store.User
	RefreshTokens map[uuid.UUID]*store.RefreshToken
	OneTimeTokens map[uuid.UUID]*store.OneTimeToken
	OAuthLinks    map[string]*store.OAuthAccount
	Outbox        []Email
}

// NewStore creates an empty fake store.
func NewStore() *Store {
	return &Store{
		Users:         make(map[uuid.UUID]*store.User),
		RefreshTokens: make(map[uuid.UUID]*store.RefreshToken),
		OneTimeTokens: make(map[uuid.UUID]*store.OneTimeToken),
		OAuthLinks:    make(map[string]*store.OAuthAccount),
	}
}

func (f *Store) CreateUser(_ context.Context, email, passwordHash string, emailVerified bool) (*store.User, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	for _, u := range f.Users {
		if u.Email == email {
			return nil, store.ErrEmailTaken
		}
	}
	u := &store.User{
		ID:            uuid.New(),
		Email:         email,
		PasswordHash:  passwordHash,
		EmailVerified: emailVerified,
		IsActive:      true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	f.Users[u.ID] = u
	copied := *u
	return &copied, nil
}

func (f *Store) UserByEmail(_ context.Context, email string) (*store.User, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	for _, u := range f.Users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Store) UserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	u, ok := f.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *Store) UpdateProfile(_ context.Context, id uuid.UUID, displayName, avatarURL, bio *string) (*store.User, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	u, ok := f.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if displayName != nil {
		u.DisplayName = *displayName
	}
	if avatarURL != nil {
		u.AvatarURL = *avatarURL
	}
	if bio != nil {
		u.Bio = *bio
	}
	copied := *u
	return &copied, nil
}

func (f *Store) UpdateEmail(_ context.Context, id uuid.UUID, email string) (*store.User, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	u, ok := f.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	for _, other := range f.Users {
		if other.ID != id && other.Email == email {
			return nil, store.ErrEmailTaken
		}
	}
	u.Email = email
	u.EmailVerified = false
	copied := *u
	return &copied, nil
}

func (f *Store) SetPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	u, ok := f.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (f *Store) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	u, ok := f.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.EmailVerified = true
	return nil
}

func (f *Store) RegisterLoginFailure(_ context.Context, id uuid.UUID, maxFailures int, lockFor time.Duration) (int, *time.Time, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	u, ok := f.Users[id]
	if !ok {
		return 0, nil, store.ErrNotFound
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxFailures {
		deadline := time.Now().Add(lockFor)
		u.LockedUntil = &deadline
	}
	return u.FailedLoginAttempts, u.LockedUntil, nil
}

func (f *Store) ResetLoginFailures(_ context.Context, id uuid.UUID) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if u, ok := f.Users[id]; ok {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	}
	return nil
}

func (f *Store) IssueRefreshToken(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, userAgent, ip string) (*store.RefreshToken, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	t := &store.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: tokenHash,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
		UserAgent: userAgent,
		IPAddress: ip,
	}
	f.RefreshTokens[t.ID] = t
	copied := *t
	return &copied, nil
}

func (f *Store) RefreshTokenByHash(_ context.Context, tokenHash string) (*store.RefreshToken, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	for _, t := range f.RefreshTokens {
		if t.TokenHash == tokenHash {
			copied := *t
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Store) RotateRefreshToken(ctx context.Context, old *store.RefreshToken, newHash string, expiresAt time.Time, userAgent, ip string) (*store.RefreshToken, error) {
	next, err := f.IssueRefreshToken(ctx, old.UserID, newHash, expiresAt, userAgent, ip)
	if err != nil {
		return nil, err
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if prev, ok := f.RefreshTokens[old.ID]; ok && prev.RevokedAt == nil {
		now := time.Now()
		prev.RevokedAt = &now
		prev.ReplacedByTokenID = &next.ID
	}
	return next, nil
}

func (f *Store) RevokeRefreshToken(_ context.Context, id uuid.UUID) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if t, ok := f.RefreshTokens[id]; ok && t.RevokedAt == nil {
		now := time.Now()
		t.RevokedAt = &now
	}
	return nil
}

func (f *Store) RevokeAllRefreshTokens(_ context.Context, userID uuid.UUID) (int64, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	var n int64
	now := time.Now()
	for _, t := range f.RefreshTokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *Store) RevokeAllRefreshTokensExcept(_ context.Context, userID, keep uuid.UUID) (int64, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	var n int64
	now := time.Now()
	for _, t := range f.RefreshTokens {
		if t.UserID == userID && t.ID != keep && t.RevokedAt == nil {
			t.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *Store) TouchRefreshToken(_ context.Context, id uuid.UUID, ip, userAgent string) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if t, ok := f.RefreshTokens[id]; ok {
		now := time.Now()
		t.LastUsedAt = &now
		t.IPAddress = ip
		t.UserAgent = userAgent
	}
	return nil
}

func (f *Store) ActiveSessions(_ context.Context, userID uuid.UUID) ([]*store.RefreshToken, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	var out []*store.RefreshToken
	now := time.Now()
	for _, t := range f.RefreshTokens {
		if t.UserID == userID && t.Usable(now) {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *Store) SessionByID(_ context.Context, userID, id uuid.UUID) (*store.RefreshToken, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	t, ok := f.RefreshTokens[id]
	if !ok || t.UserID != userID {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *Store) CreateOneTimeToken(_ context.Context, userID uuid.UUID, purpose, tokenHash string, expiresAt time.Time) (*store.OneTimeToken, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	t := &store.OneTimeToken{
		ID:        uuid.New(),
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	f.OneTimeTokens[t.ID] = t
	copied := *t
	return &copied, nil
}

func (f *Store) FindOneTimeToken(_ context.Context, purpose, tokenHash string) (*store.OneTimeToken, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	now := time.Now()
	for _, t := range f.OneTimeTokens {
		if t.Purpose == purpose && t.TokenHash == tokenHash && t.ConsumedAt == nil && t.ExpiresAt.After(now) {
			copied := *t
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Store) ConsumeOneTimeToken(_ context.Context, id uuid.UUID) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	t, ok := f.OneTimeTokens[id]
	if !ok || t.ConsumedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	t.ConsumedAt = &now
	return nil
}

func (f *Store) InvalidateOneTimeTokens(_ context.Context, userID uuid.UUID, purpose string) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	now := time.Now()
	for _, t := range f.OneTimeTokens {
		if t.UserID == userID && t.Purpose == purpose && t.ConsumedAt == nil {
			t.ConsumedAt = &now
		}
	}
	return nil
}

func (f *Store) OAuthAccountBySubject(_ context.Context, provider, subject string) (*store.OAuthAccount, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	a, ok := f.OAuthLinks[provider+"/"+subject]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *Store) CreateOAuthAccount(_ context.Context, userID uuid.UUID, provider, subject, email string) (*store.OAuthAccount, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	a := &store.OAuthAccount{
		ID:              uuid.New(),
		UserID:          userID,
		Provider:        provider,
		ProviderSubject: subject,
		Email:           email,
		CreatedAt:       time.Now(),
	}
	f.OAuthLinks[provider+"/"+subject] = a
	copied := *a
	return &copied, nil
}

func (f *Store) EnqueueEmail(_ context.Context, recipient, template string, payload map[string]string) (uuid.UUID, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Outbox = append(f.Outbox, Email{Recipient: recipient, Template: template, Payload: payload})
	return uuid.New(), nil
}

// Auditor records audit events in memory.
type Auditor struct {
	Mu     sync.Mutex
	Events []audit.Event
}

func (f *Auditor) Record(_ context.Context, event audit.Event) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Events = append(f.Events, event)
	return nil
}

// Actions returns the recorded action names in order.
func (f *Auditor) Actions() []string {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	out := make([]string, len(f.Events))
	for i, e := range f.Events {
		out[i] = e.Action
	}
	return out
}
