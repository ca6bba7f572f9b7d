package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/woodkill00/gatekeep/pkg/audit"
	"github.com/woodkill00/gatekeep/pkg/config"
	"github.com/woodkill00/gatekeep/pkg/store"
)

// Identity is what a provider asserts about the person who signed in.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// IdentityProvider exchanges an authorization code for a verified
// identity.
type IdentityProvider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Identity, error)
}

// GoogleProvider implements IdentityProvider against Google's OIDC
// endpoints.
type GoogleProvider struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogleProvider performs OIDC discovery and builds the provider.
func NewGoogleProvider(ctx context.Context, cfg *config.Config) (*GoogleProvider, error) {
	provider, err := oidc.NewProvider(ctx, "https://accounts.google.com")
	if err != nil {
		return nil, fmt.Errorf("discovering google oidc: %w", err)
	}

	return &GoogleProvider{
		oauth: oauth2.Config{
			ClientID:     cfg.OAuthGoogleClientID,
			ClientSecret: cfg.OAuthGoogleClientSecret,
			RedirectURL:  cfg.OAuthGoogleRedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OAuthGoogleClientID}),
	}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

// AuthCodeURL builds the provider authorization URL for a signed state.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades the authorization code for tokens and verifies the
// ID token signature and audience.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange failed", ErrUpstream)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: no id_token in response", ErrUpstream)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token verification failed", ErrUpstream)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: unreadable id_token claims", ErrUpstream)
	}

	return &Identity{
		Subject:       idToken.Subject,
		Email:         NormalizeEmail(claims.Email),
		EmailVerified: claims.EmailVerified,
	}, nil
}

// FederatedLogin resolves a provider identity to a local account and
// issues a token pair. Resolution order: existing link, then link-up by
// verified email, then provisioning a new passwordless account.
func (s *Service) FederatedLogin(ctx context.Context, provider string, identity *Identity, client Client) (*TokenPair, *store.User, error) {
	if identity.Subject == "" || identity.Email == "" {
		return nil, nil, s.oauthFailure(ctx, provider, "incomplete_identity", client)
	}

	user, err := s.resolveFederatedUser(ctx, provider, identity, client)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, s.oauthFailure(ctx, provider, "inactive_account", client)
	}

	pair, err := s.issueTokens(ctx, user, client)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.OAuthLoginsTotal.WithLabelValues(provider, "success").Inc()
	audit.BestEffort(ctx, "audit.oauth_success", func() error {
		return s.auditor.Record(ctx, audit.Event{
			UserID:    &user.ID,
			Action:    audit.ActionOAuthSuccess,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
			Metadata:  map[string]interface{}{"provider": provider},
		})
	})
	return pair, user, nil
}

func (s *Service) resolveFederatedUser(ctx context.Context, provider string, identity *Identity, client Client) (*store.User, error) {
	link, err := s.store.OAuthAccountBySubject(ctx, provider, identity.Subject)
	if err == nil {
		user, err := s.store.UserByID(ctx, link.UserID)
		if err != nil {
			return nil, err
		}
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	existing, err := s.store.UserByEmail(ctx, identity.Email)
	switch {
	case err == nil:
		// Link-up needs proof of address ownership from at least one
		// side; two unverified claims to the same address would let a
		// matching federated identity take over the local account.
		if !existing.EmailVerified && !identity.EmailVerified {
			return nil, s.oauthFailure(ctx, provider, "unverified_email", client)
		}
		if _, err := s.store.CreateOAuthAccount(ctx, existing.ID, provider, identity.Subject, identity.Email); err != nil {
			return nil, err
		}
		return existing, nil

	case errors.Is(err, store.ErrNotFound):
		user, err := s.store.CreateUser(ctx, identity.Email, "", identity.EmailVerified)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.CreateOAuthAccount(ctx, user.ID, provider, identity.Subject, identity.Email); err != nil {
			return nil, err
		}
		return user, nil

	default:
		return nil, err
	}
}

// RecordOAuthFailure audits a federated-login failure detected before
// the provider exchange, such as a rejected state token, and returns
// the generic credential error.
func (s *Service) RecordOAuthFailure(ctx context.Context, provider, reason string, client Client) error {
	return s.oauthFailure(ctx, provider, reason, client)
}

func (s *Service) oauthFailure(ctx context.Context, provider, reason string, client Client) error {
	s.metrics.OAuthLoginsTotal.WithLabelValues(provider, "failure").Inc()
	audit.BestEffort(ctx, "audit.oauth_failure", func() error {
		return s.auditor.Record(ctx, audit.Event{
			Action:    audit.ActionOAuthFailure,
			IPAddress: client.IP,
			UserAgent: client.UserAgent,
			Metadata:  map[string]interface{}{"provider": provider, "reason": reason},
		})
	})
	return ErrInvalidCredentials
}
