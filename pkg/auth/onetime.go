package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/woodkill00/gatekeep/pkg/audit"
	"github.com/woodkill00/gatekeep/pkg/password"
	"github.com/woodkill00/gatekeep/pkg/store"
)

// Outbox email templates.
const (
	TemplateVerifyEmail   = "verify_email"
	TemplatePasswordReset = "password_reset"
)

func (s *Service) issueVerificationEmail(ctx context.Context, user *store.User) error {
	raw, hash, err := s.opaque.New()
	if err != nil {
		return err
	}
	if err := s.store.InvalidateOneTimeTokens(ctx, user.ID, store.PurposeVerifyEmail); err != nil {
		return err
	}
	if _, err := s.store.CreateOneTimeToken(ctx, user.ID, store.PurposeVerifyEmail, hash, s.now().Add(s.cfg.VerifyTTL)); err != nil {
		return err
	}

	_, err = s.store.EnqueueEmail(ctx, user.Email, TemplateVerifyEmail, map[string]string{
		"verify_url": fmt.Sprintf("%s/auth/verify-email?token=%s", s.cfg.PublicBaseURL, raw),
	})
	return err
}

// RequestEmailVerification issues a fresh verification link for a
// signed-in user whose address is still unverified.
func (s *Service) RequestEmailVerification(ctx context.Context, user *store.User, client Client) error {
	if user.EmailVerified {
		return NewValidationError("email", "is already verified")
	}
	if err := s.issueVerificationEmail(ctx, user); err != nil {
		return err
	}
	audit.BestEffort(ctx, "audit.email_verify_requested", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &user.ID,
			Action:    audit.ActionEmailVerifyRequest,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
		})
	})
	return nil
}

// VerifyEmail consumes a verification token and marks the account
// verified. Expired, consumed, and unknown tokens are indistinguishable.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string, client Client) error {
	if rawToken == "" {
		return ErrInvalidToken
	}

	tok, err := s.store.FindOneTimeToken(ctx, store.PurposeVerifyEmail, s.opaque.Hash(rawToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := s.store.ConsumeOneTimeToken(ctx, tok.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := s.store.MarkEmailVerified(ctx, tok.UserID); err != nil {
		return err
	}

	audit.BestEffort(ctx, "audit.email_verified", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &tok.UserID,
			Action:    audit.ActionEmailVerified,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
		})
	})
	return nil
}

// ForgotPassword issues a reset token when the address has an account.
// It always returns nil for well-formed input, so callers cannot learn
// whether the account exists.
func (s *Service) ForgotPassword(ctx context.Context, email string, client Client) error {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	// A deactivated account gets the same silence as an unknown one; no
	// reset token may exist for it.
	if !user.IsActive {
		return nil
	}

	raw, hash, err := s.opaque.New()
	if err != nil {
		return err
	}
	if err := s.store.InvalidateOneTimeTokens(ctx, user.ID, store.PurposePasswordReset); err != nil {
		return err
	}
	if _, err := s.store.CreateOneTimeToken(ctx, user.ID, store.PurposePasswordReset, hash, s.now().Add(s.cfg.ResetTTL)); err != nil {
		return err
	}
	if _, err := s.store.EnqueueEmail(ctx, user.Email, TemplatePasswordReset, map[string]string{
		"reset_url": fmt.Sprintf("%s/auth/reset-password?token=%s", s.cfg.PublicBaseURL, raw),
	}); err != nil {
		return err
	}

	audit.BestEffort(ctx, "audit.reset_requested", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &user.ID,
			Action:    audit.ActionResetRequested,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
		})
	})
	return nil
}

// ResetPassword consumes a reset token, replaces the password, and
// revokes every session the account holds.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string, client Client) error {
	if rawToken == "" {
		return ErrInvalidToken
	}
	if err := password.ValidatePolicy(newPassword); err != nil {
		return NewValidationError("password", err.Error())
	}

	tok, err := s.store.FindOneTimeToken(ctx, store.PurposePasswordReset, s.opaque.Hash(rawToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.PasswordResetsTotal.WithLabelValues("invalid_token").Inc()
			return ErrInvalidToken
		}
		return err
	}
	// The account may have been deactivated after the link went out.
	user, err := s.store.UserByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if !user.IsActive {
		s.metrics.PasswordResetsTotal.WithLabelValues("invalid_token").Inc()
		return ErrInvalidToken
	}

	if err := s.store.ConsumeOneTimeToken(ctx, tok.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.PasswordResetsTotal.WithLabelValues("invalid_token").Inc()
			return ErrInvalidToken
		}
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.SetPassword(ctx, tok.UserID, hash); err != nil {
		return err
	}

	// A reset proves the old credential may be compromised, so every
	// existing session dies with it.
	if _, err := s.store.RevokeAllRefreshTokens(ctx, tok.UserID); err != nil {
		return err
	}

	s.metrics.PasswordResetsTotal.WithLabelValues("success").Inc()
	audit.BestEffort(ctx, "store.reset_failures", func() error {
		return s.store.ResetLoginFailures(ctx, tok.UserID)
	})
	audit.BestEffort(ctx, "audit.reset_completed", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &tok.UserID,
			Action:    audit.ActionResetCompleted,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
		})
	})
	return nil
}
