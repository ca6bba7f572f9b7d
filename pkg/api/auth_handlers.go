package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/woodkill00/gatekeep/pkg/auth"
	"github.com/woodkill00/gatekeep/pkg/config"
	"github.com/woodkill00/gatekeep/pkg/httputil"
	"github.com/woodkill00/gatekeep/pkg/observability"
	"github.com/woodkill00/gatekeep/pkg/store"
)

// forgotPasswordMessage is returned for every well-formed
// forgot-password request, byte for byte, so responses carry no signal
// about whether the account exists.
const forgotPasswordMessage = "If the account exists, a password reset email has been sent"

type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	AvatarURL     string `json:"avatar_url"`
	Bio           string `json:"bio"`
	EmailVerified bool   `json:"email_verified"`
	CreatedAt     string `json:"created_at"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:            u.ID.String(),
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		AvatarURL:     u.AvatarURL,
		Bio:           u.Bio,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// tokenResponse is the login-shaped response: the profile fields flat
// alongside the access token.
type tokenResponse struct {
	userResponse
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// writeTokenPair sends the access token in the body and the refresh
// token over the configured transport.
func (s *Server) writeTokenPair(w http.ResponseWriter, status int, pair *auth.TokenPair, user *store.User) {
	resp := tokenResponse{
		userResponse: toUserResponse(user),
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(pair.AccessExpiresAt).Seconds()),
	}

	if s.cfg.RefreshTransport == config.TransportCookie {
		s.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	} else {
		resp.RefreshToken = pair.RefreshToken
	}
	httputil.WriteJSON(w, status, resp)
}

// refreshTokenFrom reads the refresh token from the configured
// transport.
func (s *Server) refreshTokenFrom(r *http.Request, body string) string {
	if s.cfg.RefreshTransport == config.TransportCookie {
		return cookieValue(r, refreshCookieName)
	}
	return body
}

// checkCSRF guards cookie-authenticated state changes with the
// double-submit token. Body transport has no ambient credential, so
// there is nothing to forge.
func (s *Server) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.RefreshTransport != config.TransportCookie {
		return true
	}
	if !auth.CheckCSRF(cookieValue(r, csrfCookieName), r.Header.Get("X-CSRF-Token")) {
		httputil.WriteForbidden(w, "csrf token missing or mismatched")
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *auth.ValidationError
	switch {
	case errors.As(err, &vErr):
		httputil.WriteBadRequest(w, vErr.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		httputil.WriteUnauthorized(w, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		httputil.WriteUnauthorized(w, "invalid or expired token")
	case errors.Is(err, auth.ErrEmailTaken):
		httputil.WriteConflict(w, "email already registered")
	case errors.Is(err, auth.ErrUpstream):
		httputil.WriteError(w, http.StatusBadGateway, "identity provider unavailable")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
		httputil.WriteInternalError(w)
	}
}

func clientFrom(r *http.Request) auth.Client {
	return auth.Client{
		IP:        httputil.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	pair, user, err := s.svc.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
	}, clientFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeTokenPair(w, http.StatusCreated, pair, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	// A second bucket keyed by the target account slows down
	// distributed guessing that rotates source addresses.
	decision, err := s.limiter.Check(r.Context(), "login", s.limiter.HashIdentifier(req.Email))
	if err == nil && !decision.Allowed {
		s.metrics.RateLimitRejectionsTotal.WithLabelValues("login").Inc()
		httputil.WriteTooManyRequests(w, decision.RetryAfterSeconds())
		return
	}

	pair, user, err := s.svc.Login(r.Context(), req.Email, req.Password, clientFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeTokenPair(w, http.StatusOK, pair, user)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.checkCSRF(w, r) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if s.cfg.RefreshTransport == config.TransportBody {
		if err := httputil.ParseJSON(r, &req); err != nil {
			httputil.WriteBadRequest(w, "invalid request body")
			return
		}
	}

	pair, user, err := s.svc.Refresh(r.Context(), s.refreshTokenFrom(r, req.RefreshToken), clientFrom(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			s.clearRefreshCookie(w)
		}
		s.writeServiceError(w, r, err)
		return
	}
	s.writeTokenPair(w, http.StatusOK, pair, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.checkCSRF(w, r) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if s.cfg.RefreshTransport == config.TransportBody {
		// Logout without a body is fine; the cookie variant needs none.
		_ = httputil.ParseJSON(r, &req)
	}

	if err := s.svc.Logout(r.Context(), s.refreshTokenFrom(r, req.RefreshToken), clientFrom(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.clearRefreshCookie(w)
	httputil.WriteNoContent(w)
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := auth.NewCSRFToken()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.setCSRFCookie(w, token)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUser(r)
	if !ok {
		httputil.WriteUnauthorized(w, "missing bearer token")
		return
	}
	user, err := s.svc.User(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteUnauthorized(w, "account no longer exists")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUser(r)
	if !ok {
		httputil.WriteUnauthorized(w, "missing bearer token")
		return
	}

	var req struct {
		DisplayName *string `json:"display_name"`
		AvatarURL   *string `json:"avatar_url"`
		Bio         *string `json:"bio"`
		Email       *string `json:"email"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	user, err := s.svc.UpdateProfile(r.Context(), userID, req.DisplayName, req.AvatarURL, req.Bio)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	// An email change drops the verified flag and re-runs verification.
	if req.Email != nil {
		user, err = s.svc.ChangeEmail(r.Context(), userID, *req.Email, clientFrom(r))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

type sessionResponse struct {
	ID         string  `json:"id"`
	UserAgent  string  `json:"user_agent"`
	IPAddress  string  `json:"ip_address"`
	IssuedAt   string  `json:"issued_at"`
	LastUsedAt *string `json:"last_used_at"`
	ExpiresAt  string  `json:"expires_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUser(r)
	if !ok {
		httputil.WriteUnauthorized(w, "missing bearer token")
		return
	}

	sessions, err := s.svc.Sessions(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp := sessionResponse{
			ID:        sess.ID.String(),
			UserAgent: sess.UserAgent,
			IPAddress: sess.IPAddress,
			IssuedAt:  sess.IssuedAt.UTC().Format(time.RFC3339),
			ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
		}
		if sess.LastUsedAt != nil {
			used := sess.LastUsedAt.UTC().Format(time.RFC3339)
			resp.LastUsedAt = &used
		}
		out = append(out, resp)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUser(r)
	if !ok {
		httputil.WriteUnauthorized(w, "missing bearer token")
		return
	}

	sessionID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteBadRequest(w, "invalid session id")
		return
	}

	if err := s.svc.RevokeSession(r.Context(), userID, sessionID, clientFrom(r)); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			httputil.WriteNotFound(w, "session not found")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// handleRevokeOtherSessions signs the caller out everywhere else. The
// session holding the presented refresh token survives; without one,
// every session is revoked.
func (s *Server) handleRevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUser(r)
	if !ok {
		httputil.WriteUnauthorized(w, "missing bearer token")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if s.cfg.RefreshTransport == config.TransportBody {
		_ = httputil.ParseJSON(r, &req)
	}

	revoked, err := s.svc.RevokeOtherSessions(r.Context(), userID, s.refreshTokenFrom(r, req.RefreshToken), clientFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"sessions_revoked": revoked})
}

func (s *Server) handleRequestVerifyEmail(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUser(r)
	if !ok {
		httputil.WriteUnauthorized(w, "missing bearer token")
		return
	}

	user, err := s.svc.User(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.svc.RequestEmailVerification(r.Context(), user, clientFrom(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "verification email sent"})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		var req struct {
			Token string `json:"token"`
		}
		if err := httputil.ParseJSON(r, &req); err == nil {
			token = req.Token
		}
	}

	if err := s.svc.VerifyEmail(r.Context(), token, clientFrom(r)); err != nil {
		// A dead verification link is a bad request, not a failed
		// authentication.
		if errors.Is(err, auth.ErrInvalidToken) {
			httputil.WriteBadRequest(w, "invalid or expired token")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "email verified"})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	// The IP bucket alone cannot stop address-rotating abuse of one
	// account's reset flow, so the target email gets its own bucket.
	decision, err := s.limiter.Check(r.Context(), "forgot_password", s.limiter.HashIdentifier(req.Email))
	if err == nil && !decision.Allowed {
		s.metrics.RateLimitRejectionsTotal.WithLabelValues("forgot_password").Inc()
		httputil.WriteTooManyRequests(w, decision.RetryAfterSeconds())
		return
	}

	if err := s.svc.ForgotPassword(r.Context(), req.Email, clientFrom(r)); err != nil {
		var vErr *auth.ValidationError
		if errors.As(err, &vErr) {
			httputil.WriteBadRequest(w, vErr.Error())
			return
		}
		// Internal failures still return the uniform message; leaking
		// them would reveal which addresses have accounts.
		observability.FromContext(r.Context()).WithError(err).Error("forgot-password flow failed")
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": forgotPasswordMessage})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	if err := s.svc.ResetPassword(r.Context(), req.Token, req.Password, clientFrom(r)); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			httputil.WriteBadRequest(w, "invalid or expired token")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}
