package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/woodkill00/gatekeep/pkg/audit"
	"github.com/woodkill00/gatekeep/pkg/config"
	"github.com/woodkill00/gatekeep/pkg/observability"
	"github.com/woodkill00/gatekeep/pkg/password"
	"github.com/woodkill00/gatekeep/pkg/store"
	"github.com/woodkill00/gatekeep/pkg/token"
)

// Storage is the persistence surface the service depends on. It is
// satisfied by *store.Store and faked in tests.
type Storage interface {
	CreateUser(ctx context.Context, email, passwordHash string, emailVerified bool) (*store.User, error)
	UserByEmail(ctx context.Context, email string) (*store.User, error)
	UserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, displayName, avatarURL, bio *string) (*store.User, error)
	UpdateEmail(ctx context.Context, id uuid.UUID, email string) (*store.User, error)
	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
	RegisterLoginFailure(ctx context.Context, id uuid.UUID, maxFailures int, lockFor time.Duration) (int, *time.Time, error)
	ResetLoginFailures(ctx context.Context, id uuid.UUID) error

	IssueRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, userAgent, ip string) (*store.RefreshToken, error)
	RefreshTokenByHash(ctx context.Context, tokenHash string) (*store.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, old *store.RefreshToken, newHash string, expiresAt time.Time, userAgent, ip string) (*store.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id uuid.UUID) error
	RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error)
	RevokeAllRefreshTokensExcept(ctx context.Context, userID, keep uuid.UUID) (int64, error)
	TouchRefreshToken(ctx context.Context, id uuid.UUID, ip, userAgent string) error
	ActiveSessions(ctx context.Context, userID uuid.UUID) ([]*store.RefreshToken, error)
	SessionByID(ctx context.Context, userID, id uuid.UUID) (*store.RefreshToken, error)

	CreateOneTimeToken(ctx context.Context, userID uuid.UUID, purpose, tokenHash string, expiresAt time.Time) (*store.OneTimeToken, error)
	FindOneTimeToken(ctx context.Context, purpose, tokenHash string) (*store.OneTimeToken, error)
	ConsumeOneTimeToken(ctx context.Context, id uuid.UUID) error
	InvalidateOneTimeTokens(ctx context.Context, userID uuid.UUID, purpose string) error

	OAuthAccountBySubject(ctx context.Context, provider, subject string) (*store.OAuthAccount, error)
	CreateOAuthAccount(ctx context.Context, userID uuid.UUID, provider, subject, email string) (*store.OAuthAccount, error)

	EnqueueEmail(ctx context.Context, recipient, template string, payload map[string]string) (uuid.UUID, error)
}

// Auditor records append-only audit events.
type Auditor interface {
	Record(ctx context.Context, event audit.Event) error
}

// Client identifies the request origin for audit and session records.
type Client struct {
	IP        string
	UserAgent string
}

// TokenPair is the result of a successful authentication.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        uuid.UUID
}

// Service implements the authentication flows on top of Storage.
type Service struct {
	store   Storage
	auditor Auditor
	hasher  *password.Hasher
	access  *token.AccessIssuer
	opaque  *token.OpaqueGenerator
	cfg     *config.Config
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService wires the authentication service.
func NewService(st Storage, auditor Auditor, cfg *config.Config, metrics *observability.Metrics) *Service {
	return &Service{
		store:   st,
		auditor: auditor,
		hasher:  password.NewHasher(password.DefaultParams()),
		access:  token.NewAccessIssuer([]byte(cfg.JWTSecret)),
		opaque:  token.NewOpaqueGenerator(cfg.TokenPepper),
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
	}
}

// NormalizeEmail lowercases and trims an address so lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return NewValidationError("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return NewValidationError("email", "is not a valid address")
	}
	return nil
}

// RegisterInput is the payload for account creation. Profile fields
// start empty and are filled in through profile updates.
type RegisterInput struct {
	Email    string
	Password string
}

// Register creates an account, signs the new user in, and hands the
// verification email to the outbox.
func (s *Service) Register(ctx context.Context, in RegisterInput, client Client) (*TokenPair, *store.User, error) {
	email := NormalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, nil, err
	}
	if err := password.ValidatePolicy(in.Password); err != nil {
		s.metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, nil, NewValidationError("password", err.Error())
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.store.CreateUser(ctx, email, hash, false)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			s.metrics.RegistrationsTotal.WithLabelValues("duplicate").Inc()
			return nil, nil, ErrEmailTaken
		}
		return nil, nil, err
	}

	pair, err := s.issueTokens(ctx, user, client)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.RegistrationsTotal.WithLabelValues("success").Inc()
	audit.BestEffort(ctx, "audit.signup", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &user.ID,
			Action:    audit.ActionSignup,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
		})
	})

	// Verification mail must not fail the signup; the user can ask for
	// another link.
	audit.BestEffort(ctx, "auth.verify_email_issue", func() error {
		return s.issueVerificationEmail(ctx, user)
	})

	return pair, user, nil
}

// Login verifies credentials and issues a token pair. Every failure
// mode a caller can observe collapses into ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, pass string, client Client) (*TokenPair, *store.User, error) {
	email = NormalizeEmail(email)
	now := s.now()

	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.LoginsTotal.WithLabelValues("unknown_email").Inc()
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if user.Locked(now) {
		s.metrics.LoginsTotal.WithLabelValues("locked").Inc()
		audit.BestEffort(ctx, "audit.locked_attempt", func() error {
			return s.auditor.Record(ctx, audit.Event{
				UserID:    &user.ID,
				Action:    audit.ActionLockedAttempt,
				IPAddress: client.IP,
				UserAgent: client.UserAgent,
			})
		})
		return nil, nil, ErrInvalidCredentials
	}

	if !user.IsActive || user.PasswordHash == "" || !s.hasher.Verify(pass, user.PasswordHash) {
		s.registerFailure(ctx, user, client)
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issueTokens(ctx, user, client)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.LoginsTotal.WithLabelValues("success").Inc()
	audit.BestEffort(ctx, "store.reset_failures", func() error {
		return s.store.ResetLoginFailures(ctx, user.ID)
	})
	audit.BestEffort(ctx, "audit.login", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &user.ID,
			Action:    audit.ActionLogin,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
		})
	})
	return pair, user, nil
}

func (s *Service) registerFailure(ctx context.Context, user *store.User, client Client) {
	s.metrics.LoginsTotal.WithLabelValues("bad_password").Inc()

	attempts, lockedUntil, err := s.store.RegisterLoginFailure(ctx, user.ID,
		s.cfg.LockoutMaxFailures, s.cfg.LockoutDuration)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("recording login failure")
		return
	}

	action := audit.ActionLoginFailed
	metadata := map[string]interface{}{"attempts": attempts}
	if lockedUntil != nil && attempts >= s.cfg.LockoutMaxFailures {
		action = audit.ActionLockout
		metadata["locked_until"] = lockedUntil.UTC().Format(time.RFC3339)
		s.metrics.AccountLockoutsTotal.Inc()
	}

	audit.BestEffort(ctx, "audit.login_failed", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &user.ID,
			Action:    action,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
			Metadata:  metadata,
		})
	})
}

func (s *Service) issueTokens(ctx context.Context, user *store.User, client Client) (*TokenPair, error) {
	now := s.now()

	accessToken, err := s.access.Mint(user.ID, user.Email, s.cfg.AccessTTL, now)
	if err != nil {
		return nil, err
	}

	raw, hash, err := s.opaque.New()
	if err != nil {
		return nil, err
	}

	refreshExpiry := now.Add(s.cfg.RefreshTTL)
	record, err := s.store.IssueRefreshToken(ctx, user.ID, hash, refreshExpiry, client.UserAgent, client.IP)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  now.Add(s.cfg.AccessTTL),
		RefreshToken:     raw,
		RefreshExpiresAt: refreshExpiry,
		SessionID:        record.ID,
	}, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated or revoked is treated as theft: the whole family is revoked
// and the caller gets the same ErrInvalidToken as for garbage input.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, client Client) (*TokenPair, *store.User, error) {
	if rawRefresh == "" {
		return nil, nil, ErrInvalidToken
	}
	now := s.now()

	current, err := s.store.RefreshTokenByHash(ctx, s.opaque.Hash(rawRefresh))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.TokenRefreshesTotal.WithLabelValues("unknown").Inc()
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}

	if current.RevokedAt != nil {
		s.metrics.RefreshReuseTotal.Inc()
		s.metrics.TokenRefreshesTotal.WithLabelValues("reuse").Inc()

		revoked, revokeErr := s.store.RevokeAllRefreshTokens(ctx, current.UserID)
		if revokeErr != nil {
			observability.FromContext(ctx).WithError(revokeErr).
				WithField("user_id", current.UserID.String()).
				Error("revoking sessions after refresh reuse")
		}
		audit.BestEffort(ctx, "audit.refresh_reuse", func() error {
			return s.auditor.Record(ctx, audit.Event{
				UserID:    &current.UserID,
				Action:    audit.ActionRefreshReuse,
				IPAddress: client.IP,
				UserAgent: client.UserAgent,
				Metadata:  map[string]interface{}{"sessions_revoked": revoked},
			})
		})
		return nil, nil, ErrInvalidToken
	}

	if !now.Before(current.ExpiresAt) {
		s.metrics.TokenRefreshesTotal.WithLabelValues("expired").Inc()
		return nil, nil, ErrInvalidToken
	}

	user, err := s.store.UserByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrInvalidToken
	}

	raw, hash, err := s.opaque.New()
	if err != nil {
		return nil, nil, err
	}
	next, err := s.store.RotateRefreshToken(ctx, current, hash, now.Add(s.cfg.RefreshTTL), client.UserAgent, client.IP)
	if err != nil {
		return nil, nil, err
	}

	accessToken, err := s.access.Mint(user.ID, user.Email, s.cfg.AccessTTL, now)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	// The presented token carries the usage record; the replacement
	// starts with its own issue-time client details.
	audit.BestEffort(ctx, "store.touch_refresh", func() error {
		return s.store.TouchRefreshToken(ctx, current.ID, client.IP, client.UserAgent)
	})

	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  now.Add(s.cfg.AccessTTL),
		RefreshToken:     raw,
		RefreshExpiresAt: next.ExpiresAt,
		SessionID:        next.ID,
	}, user, nil
}

// Logout revokes the presented refresh token. Unknown tokens succeed
// silently so logout is idempotent.
func (s *Service) Logout(ctx context.Context, rawRefresh string, client Client) error {
	if rawRefresh == "" {
		return nil
	}

	current, err := s.store.RefreshTokenByHash(ctx, s.opaque.Hash(rawRefresh))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := s.store.RevokeRefreshToken(ctx, current.ID); err != nil {
		return err
	}
	audit.BestEffort(ctx, "audit.logout", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &current.UserID,
			Action:    audit.ActionLogout,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
		})
	})
	return nil
}

// VerifyAccess validates an access token and returns the subject.
func (s *Service) VerifyAccess(raw string) (uuid.UUID, *token.AccessClaims, error) {
	claims, err := s.access.Verify(raw)
	if err != nil {
		return uuid.Nil, nil, ErrInvalidToken
	}
	id, err := claims.SubjectID()
	if err != nil {
		return uuid.Nil, nil, ErrInvalidToken
	}
	return id, claims, nil
}

// User fetches a user by ID.
func (s *Service) User(ctx context.Context, id uuid.UUID) (*store.User, error) {
	return s.store.UserByID(ctx, id)
}

// UpdateProfile applies a partial profile update. Nil fields are left
// unchanged.
func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, displayName, avatarURL, bio *string) (*store.User, error) {
	return s.store.UpdateProfile(ctx, id, displayName, avatarURL, bio)
}

// ChangeEmail moves the account to a new address. The address starts
// unverified and a fresh verification link goes to the outbox. Changing
// to the current address is a no-op.
func (s *Service) ChangeEmail(ctx context.Context, id uuid.UUID, newEmail string, client Client) (*store.User, error) {
	email := NormalizeEmail(newEmail)
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	current, err := s.store.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Email == email {
		return current, nil
	}

	user, err := s.store.UpdateEmail(ctx, id, email)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	audit.BestEffort(ctx, "audit.email_changed", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &user.ID,
			Action:    audit.ActionEmailChanged,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
			Metadata:  map[string]interface{}{"previous": current.Email},
		})
	})
	audit.BestEffort(ctx, "auth.verify_email_issue", func() error {
		return s.issueVerificationEmail(ctx, user)
	})
	return user, nil
}

// Sessions lists the caller's active refresh sessions.
func (s *Service) Sessions(ctx context.Context, userID uuid.UUID) ([]*store.RefreshToken, error) {
	return s.store.ActiveSessions(ctx, userID)
}

// RevokeSession revokes one of the caller's own sessions.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID, client Client) error {
	session, err := s.store.SessionByID(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}

	if err := s.store.RevokeRefreshToken(ctx, session.ID); err != nil {
		return err
	}
	audit.BestEffort(ctx, "audit.session_revoked", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &userID,
			Action:    audit.ActionSessionRevoked,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
			Metadata:  map[string]interface{}{"session_id": sessionID.String()},
		})
	})
	return nil
}

// RevokeOtherSessions revokes every session except the one presenting
// rawRefresh. With no usable refresh token in hand it revokes them all.
func (s *Service) RevokeOtherSessions(ctx context.Context, userID uuid.UUID, rawRefresh string, client Client) (int64, error) {
	keep := uuid.Nil
	if rawRefresh != "" {
		current, err := s.store.RefreshTokenByHash(ctx, s.opaque.Hash(rawRefresh))
		switch {
		case err == nil:
			if current.UserID == userID && current.Usable(s.now()) {
				keep = current.ID
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return 0, err
		}
	}

	var revoked int64
	var err error
	if keep == uuid.Nil {
		revoked, err = s.store.RevokeAllRefreshTokens(ctx, userID)
	} else {
		revoked, err = s.store.RevokeAllRefreshTokensExcept(ctx, userID, keep)
	}
	if err != nil {
		return 0, err
	}

	audit.BestEffort(ctx, "audit.session_revoked", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &userID,
			Action:    audit.ActionSessionRevoked,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
			Metadata:  map[string]interface{}{"sessions_revoked": revoked},
		})
	})
	return revoked, nil
}
