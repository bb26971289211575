package api

import (
	"errors"
	"net/http"
	"time"

	"guildgate/internal/auth"
	"guildgate/internal/identity"
	"guildgate/internal/reconcile"
)

const stateCookieMaxAge = 10 * time.Minute

func (s *Server) secureCookies(r *http.Request) bool {
	return s.cookieSecure || r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func (s *Server) setCookie(w http.ResponseWriter, r *http.Request, name, value string, maxAge time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureCookies(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	}
	if maxAge < 0 {
		c.MaxAge = -1
	}
	http.SetCookie(w, c)
}

func (s *Server) clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	s.setCookie(w, r, name, "", -1)
}

// handleLogin starts the OAuth flow.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	redirectURL, state, err := s.login.BeginLogin(r.Context())
	if err != nil {
		s.writeErr(r.Context(), w, http.StatusInternalServerError, "failed to start login", err)
		return
	}
	s.setCookie(w, r, stateCookieName, state, stateCookieMaxAge)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// handleCallback finishes the OAuth flow. Every failure lands on "/".
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var expected string
	if c, err := r.Cookie(stateCookieName); err == nil {
		expected = c.Value
	}
	s.clearCookie(w, r, stateCookieName)

	if e := q.Get("error"); e != "" {
		s.logger.WarnContext(ctx, "provider denied authorization", "provider_error", e)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	state := q.Get("state")
	if expected == "" || state != expected {
		s.logger.WarnContext(ctx, "login state mismatch")
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if err := s.login.VerifyState(state); err != nil {
		s.logger.WarnContext(ctx, "login state rejected", "error", err)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	account, err := s.login.HandleCallback(ctx, q.Get("code"))
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrProvider):
			s.logger.WarnContext(ctx, "login failed", "reason", "provider", "error", err)
		case errors.Is(err, reconcile.ErrStorage):
			s.logger.ErrorContext(ctx, "login failed", "reason", "storage", "error", err)
			captureException(ctx, err)
		default:
			s.logger.ErrorContext(ctx, "login failed", "error", err)
			captureException(ctx, err)
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	session, err := s.login.StartSession(ctx, account)
	if err != nil {
		s.logger.ErrorContext(ctx, "session start failed", "account_id", account.ID, "error", err)
		captureException(ctx, err)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	s.setCookie(w, r, sessionCookieName, session.ID, s.login.SessionTTL())
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		if err := s.login.Logout(r.Context(), c.Value); err != nil {
			s.logger.ErrorContext(r.Context(), "logout failed", "error", err)
		}
	}
	s.clearCookie(w, r, sessionCookieName)
	http.Redirect(w, r, "/", http.StatusFound)
}

// accountResponse is the JSON view of the current account.
type accountResponse struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	AvatarRef   string     `json:"avatar_ref,omitempty"`
	Role        auth.Role  `json:"role"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func toAccountResponse(a *auth.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		AvatarRef:   a.AvatarRef,
		Role:        a.Role,
		LastLoginAt: a.LastLoginAt,
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"account":  toAccountResponse(account),
		"is_staff": auth.Precedence(account.Role) > auth.Precedence(auth.RoleMember),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toAccountResponse(auth.AccountFromContext(r.Context())))
}

type staffEntry struct {
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Role        auth.Role `json:"role"`
}

// handleStaff lists every account above member, highest role first.
func (s *Server) handleStaff(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.ListStaff(r.Context())
	if err != nil {
		s.writeErr(r.Context(), w, http.StatusInternalServerError, "failed to list staff", err)
		return
	}
	out := make([]staffEntry, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, staffEntry{DisplayName: a.DisplayName, AvatarRef: a.AvatarRef, Role: a.Role})
	}
	writeJSON(w, http.StatusOK, map[string]any{"staff": out})
}

func (s *Server) handleAdminAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.List(r.Context())
	if err != nil {
		s.writeErr(r.Context(), w, http.StatusInternalServerError, "failed to list accounts", err)
		return
	}
	if accounts == nil {
		accounts = []*auth.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts, "total": len(accounts)})
}

func (s *Server) handleUnauthorized(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusForbidden, apiError{Error: "unauthorized"})
}
