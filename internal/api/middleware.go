package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"guildgate/internal/auth"
	"guildgate/internal/observability"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 64

	sessionCookieName = "session"
	stateCookieName   = "oauth_state"
)

type Middleware func(http.Handler) http.Handler

// ApplyMiddlewares applies the provided middleware in order, where the first middleware
// in the list is the outermost handler.
func ApplyMiddlewares(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestIDMiddleware ensures every request carries a stable request ID.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
			if requestID == "" {
				requestID = uuid.New().String()
			}
			r = r.WithContext(observability.WithRequestID(r.Context(), requestID))
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPMiddleware records the caller's address in the request context.
func ClientIPMiddleware(proxies *TrustedProxyConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(observability.WithClientIP(r.Context(), clientIP(r, proxies)))
			next.ServeHTTP(w, r)
		})
	}
}

func sanitizeRequestID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxRequestIDLength {
		return ""
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ""
		}
	}
	return id
}

// LoggingMiddleware logs every request once it completes, runs it inside a
// Sentry transaction and turns panics into 500 responses.
func LoggingMiddleware(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hub, r := requestHub(r)
			tx := sentry.StartTransaction(r.Context(), r.Method+" "+r.URL.Path,
				sentry.WithOpName("http.server"),
				sentry.ContinueFromRequest(r),
				sentry.WithTransactionSource(sentry.SourceURL),
			)
			defer tx.Finish()
			r = r.WithContext(tx.Context())
			hub.Scope().SetRequest(r)

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if v := recover(); v != nil {
					tx.Status = sentry.SpanStatusInternalError
					hub.RecoverWithContext(r.Context(), v)
					logger.ErrorContext(r.Context(), "panic recovered", "method", r.Method, "path", r.URL.Path, "panic", v)
					writeJSON(rec, http.StatusInternalServerError, apiError{Error: "internal server error"})
				}
			}()

			next.ServeHTTP(rec, r)

			tx.Status = sentry.HTTPtoSpanStatus(rec.status)
			logCompleted(r, logger, rec.status, time.Since(start))
		})
	}
}

// requestHub returns the request's Sentry hub, attaching a clone of the
// current hub when there is none.
func requestHub(r *http.Request) (*sentry.Hub, *http.Request) {
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		return hub, r
	}
	hub := sentry.CurrentHub().Clone()
	return hub, r.WithContext(sentry.SetHubOnContext(r.Context(), hub))
}

func logCompleted(r *http.Request, logger observability.Logger, status int, d time.Duration) {
	log := logger.InfoContext
	switch {
	case status >= 500:
		log = logger.ErrorContext
	case status >= 400:
		log = logger.WarnContext
	}
	log(r.Context(), "request completed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration_ms", d.Milliseconds(),
	)
}

// MetricsMiddleware records request counts and latency by matched route
// pattern. It must wrap the ServeMux directly so the pattern is visible.
func MetricsMiddleware(metrics *observability.Metrics) Middleware {
	if metrics == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveHTTP(r.Method, route, recorder.status, time.Since(start))
		})
	}
}

// SessionResolver maps a session id to its current account.
type SessionResolver interface {
	ResolveSession(ctx context.Context, sessionID string) (*auth.Account, error)
}

// RequireAuthenticated redirects to /login unless the session cookie
// resolves to an existing account, which is then stored in the context.
// The role is read fresh on every request.
func RequireAuthenticated(sessions SessionResolver, logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			account, err := sessions.ResolveSession(ctx, cookie.Value)
			if err != nil {
				logger.ErrorContext(ctx, "session resolution failed", "error", err)
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			if account == nil {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithAccount(ctx, account)))
		})
	}
}

// RequireRole allows only accounts whose role is in roles. Membership is
// flat: listing admin does not admit owner. It expects RequireAuthenticated
// to have run and redirects to /login otherwise.
func RequireRole(logger observability.Logger, roles ...auth.Role) Middleware {
	allowed := auth.NewRoleSet(roles...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			account := auth.AccountFromContext(ctx)
			if account == nil {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			if !auth.HasRole(account, allowed) {
				logger.WarnContext(ctx, "insufficient role",
					"method", r.Method,
					"path", r.URL.Path,
					"account_id", account.ID,
					"role", string(account.Role),
					"required_roles", allowed.Roles(),
				)
				writeJSON(w, http.StatusForbidden, apiError{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
