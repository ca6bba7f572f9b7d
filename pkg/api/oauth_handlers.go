package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/woodkill00/gatekeep/pkg/auth"
	"github.com/woodkill00/gatekeep/pkg/httputil"
)

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.providers[mux.Vars(r)["provider"]]
	if !ok {
		httputil.WriteNotFound(w, "unknown provider")
		return
	}

	var req struct {
		Next string `json:"next"`
	}
	// The body is optional; an empty next falls back to the default.
	_ = httputil.ParseJSON(r, &req)

	nonce, err := auth.NewCSRFToken()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	state, err := s.state.Mint(nonce, req.Next)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.setNonceCookie(w, nonce)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"auth_url": provider.AuthCodeURL(state),
	})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.providers[mux.Vars(r)["provider"]]
	if !ok {
		httputil.WriteNotFound(w, "unknown provider")
		return
	}

	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	next, err := s.state.Validate(req.State, cookieValue(r, nonceCookieName))
	if err != nil {
		// State rejection is a security event and must leave an audit
		// trail before the generic response goes out.
		_ = s.svc.RecordOAuthFailure(r.Context(), provider.Name(), "invalid_state", clientFrom(r))
		httputil.WriteUnauthorized(w, "invalid or expired token")
		return
	}
	s.clearNonceCookie(w)

	identity, err := provider.Exchange(r.Context(), req.Code)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	pair, user, err := s.svc.FederatedLogin(r.Context(), provider.Name(), identity, clientFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("X-Next", next)
	s.writeTokenPair(w, http.StatusOK, pair, user)
}
