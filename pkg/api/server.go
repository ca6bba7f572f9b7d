package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/woodkill00/gatekeep/pkg/auth"
	"github.com/woodkill00/gatekeep/pkg/config"
	"github.com/woodkill00/gatekeep/pkg/observability"
	"github.com/woodkill00/gatekeep/pkg/ratelimit"
)

// Server is the HTTP front of the auth service.
type Server struct {
	router    *mux.Router
	svc       *auth.Service
	limiter   *ratelimit.Limiter
	state     *auth.StateSigner
	providers map[string]auth.IdentityProvider
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewServer wires routes and middleware. providers may be empty when no
// federated login is configured.
func NewServer(
	svc *auth.Service,
	limiter *ratelimit.Limiter,
	providers map[string]auth.IdentityProvider,
	cfg *config.Config,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		svc:       svc,
		limiter:   limiter,
		state:     auth.NewStateSigner([]byte(cfg.OAuthStateSecret)),
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestContext)
	s.router.Use(s.observe)

	r := s.router.PathPrefix("/auth").Subrouter()

	r.Handle("/register", s.rateLimited("register", http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	r.Handle("/login", s.rateLimited("login", http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	r.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/csrf", s.handleCSRF).Methods(http.MethodGet)

	r.Handle("/me", s.requireAuth(s.handleMe)).Methods(http.MethodGet)
	r.Handle("/me", s.requireAuth(s.handleUpdateMe)).Methods(http.MethodPatch)
	r.Handle("/sessions", s.requireAuth(s.handleSessions)).Methods(http.MethodGet)
	r.Handle("/sessions", s.requireAuth(s.handleRevokeOtherSessions)).Methods(http.MethodDelete)
	r.Handle("/sessions/{id}", s.requireAuth(s.handleRevokeSession)).Methods(http.MethodDelete)

	r.Handle("/verify-email/request", s.requireAuth(s.handleRequestVerifyEmail)).Methods(http.MethodPost)
	r.HandleFunc("/verify-email", s.handleVerifyEmail).Methods(http.MethodGet, http.MethodPost)
	r.Handle("/forgot-password", s.rateLimited("forgot_password", http.HandlerFunc(s.handleForgotPassword))).Methods(http.MethodPost)
	r.HandleFunc("/reset-password", s.handleResetPassword).Methods(http.MethodPost)

	r.HandleFunc("/oauth/{provider}/start", s.handleOAuthStart).Methods(http.MethodPost)
	r.HandleFunc("/oauth/{provider}", s.handleOAuthCallback).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
