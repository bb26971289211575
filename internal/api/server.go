package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"guildgate/internal/audit"
	"guildgate/internal/auth"
	"guildgate/internal/observability"
	"guildgate/internal/storage"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// LoginService is the login pipeline behind the HTTP routes.
type LoginService interface {
	BeginLogin(ctx context.Context) (redirectURL, state string, err error)
	VerifyState(state string) error
	HandleCallback(ctx context.Context, code string) (*auth.Account, error)
	StartSession(ctx context.Context, account *auth.Account) (*auth.Session, error)
	ResolveSession(ctx context.Context, sessionID string) (*auth.Account, error)
	Logout(ctx context.Context, sessionID string) error
	SessionTTL() time.Duration
}

// Config wires a Server. Login and Accounts are required. The audit
// routes are only served when Audit is set.
type Config struct {
	Login    LoginService
	Accounts auth.AccountStore
	Audit    audit.AuditLogger
	Health   storage.HealthCheck
	Logger   observability.Logger
	Metrics  *observability.Metrics

	// CookieSecure forces the Secure flag; otherwise it follows TLS or X-Forwarded-Proto.
	CookieSecure bool
	// LoginPerMinute bounds /login and /auth/callback per client IP. Zero disables it.
	LoginPerMinute int
	TrustedProxies *TrustedProxyConfig
}

// Server serves the gateway's HTTP routes.
type Server struct {
	mux      *http.ServeMux
	login    LoginService
	accounts auth.AccountStore
	audit    audit.AuditLogger
	health   storage.HealthCheck
	logger   observability.Logger
	metrics  *observability.Metrics

	cookieSecure   bool
	loginPerMinute int
	proxies        *TrustedProxyConfig
}

// NewServer creates a Server and registers its routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Login == nil || cfg.Accounts == nil {
		return nil, errors.New("api: login service and account store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.Config{Output: io.Discard})
	}
	health := cfg.Health
	if health == nil {
		health = storage.NopHealthCheck{}
	}
	s := &Server{
		mux:            http.NewServeMux(),
		login:          cfg.Login,
		accounts:       cfg.Accounts,
		audit:          cfg.Audit,
		health:         health,
		logger:         logger.WithComponent("api"),
		metrics:        cfg.Metrics,
		cookieSecure:   cfg.CookieSecure,
		loginPerMinute: cfg.LoginPerMinute,
		proxies:        cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Handler returns the mux wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	return ApplyMiddlewares(s.mux,
		RequestIDMiddleware(),
		ClientIPMiddleware(s.proxies),
		LoggingMiddleware(s.logger),
		MetricsMiddleware(s.metrics),
	)
}

func (s *Server) routes() {
	loginLimit := LoginRateLimitMiddleware(LoginRateLimitConfig{
		AttemptsPerMinute: s.loginPerMinute,
		ProxyConfig:       s.proxies,
		Metrics:           s.metrics,
	})
	authn := RequireAuthenticated(s.login, s.logger)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.Handle("GET /login", loginLimit(http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("GET /auth/callback", loginLimit(http.HandlerFunc(s.handleCallback)))
	s.mux.HandleFunc("GET /logout", s.handleLogout)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("GET /unauthorized", s.handleUnauthorized)

	s.mux.Handle("GET /dashboard", authn(http.HandlerFunc(s.handleDashboard)))
	s.mux.Handle("GET /api/v1/me", authn(http.HandlerFunc(s.handleMe)))
	s.mux.HandleFunc("GET /api/v1/staff", s.handleStaff)
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(RequireRole(s.logger, auth.RoleOwner, auth.RoleAdmin)(h))
	}
	s.mux.Handle("GET /api/v1/admin/accounts", admin(s.handleAdminAccounts))
	if s.audit != nil {
		s.mux.Handle("GET /api/v1/admin/audit", admin(s.handleAuditList))
		s.mux.Handle("GET /api/v1/admin/accounts/{id}/audit", admin(s.handleAccountAudit))
	}
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, err error) {
	fields := []any{"status", code, "error", msg}
	if err != nil {
		fields = append(fields, "cause", err.Error())
	}
	if code >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
		captureException(ctx, err)
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, code, apiError{Error: msg})
}

func captureException(ctx context.Context, err error) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }
