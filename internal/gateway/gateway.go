// Package gateway runs the login pipeline: provider exchange, guild role
// lookup, role mapping, account reconciliation and session bootstrap.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"guildgate/internal/audit"
	"guildgate/internal/auth"
	"guildgate/internal/identity"
	"guildgate/internal/observability"
	"guildgate/internal/reconcile"
)

// Login outcomes, used as the login_attempts_total label.
const (
	OutcomeSuccess       = "success"
	OutcomeProviderError = "provider_error"
	OutcomeStorageError  = "storage_error"
)

// GroupFetcher returns the group ids held by an external identity. It
// degrades to an empty set instead of failing.
type GroupFetcher interface {
	FetchGroups(ctx context.Context, externalID string) auth.GroupSet
}

// Config wires a Service. Provider, Reconciler, Sessions, Deserializer and
// StateSecret are required.
type Config struct {
	Provider     identity.Provider
	Directory    GroupFetcher
	Policy       auth.Policy
	Reconciler   *reconcile.Reconciler
	Sessions     auth.SessionStore
	Deserializer *auth.Deserializer
	Audit        audit.AuditLogger
	Logger       observability.Logger
	Metrics      *observability.Metrics

	SessionTTL  time.Duration
	StateSecret []byte
	StateTTL    time.Duration
	Now         func() time.Time
}

// Service is the login pipeline.
type Service struct {
	provider   identity.Provider
	directory  GroupFetcher
	policy     auth.Policy
	reconciler *reconcile.Reconciler
	sessions   auth.SessionStore
	deser      *auth.Deserializer
	audit      audit.AuditLogger
	logger     observability.Logger
	metrics    *observability.Metrics
	sessionTTL time.Duration
	state      *stateSigner
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Provider == nil:
		return nil, errors.New("gateway: provider is required")
	case cfg.Reconciler == nil:
		return nil, errors.New("gateway: reconciler is required")
	case cfg.Sessions == nil:
		return nil, errors.New("gateway: session store is required")
	case cfg.Deserializer == nil:
		return nil, errors.New("gateway: deserializer is required")
	case len(cfg.StateSecret) == 0:
		return nil, errors.New("gateway: state secret is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.Config{Output: io.Discard})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = DefaultStateTTL
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = auth.DefaultSessionDuration
	}

	return &Service{
		provider:   cfg.Provider,
		directory:  cfg.Directory,
		policy:     cfg.Policy,
		reconciler: cfg.Reconciler,
		sessions:   cfg.Sessions,
		deser:      cfg.Deserializer,
		audit:      cfg.Audit,
		logger:     logger.WithComponent("gateway"),
		metrics:    cfg.Metrics,
		sessionTTL: sessionTTL,
		state:      &stateSigner{key: cfg.StateSecret, ttl: stateTTL, now: now},
	}, nil
}

// SessionTTL is the lifetime given to new sessions.
func (s *Service) SessionTTL() time.Duration { return s.sessionTTL }

// BeginLogin returns the provider authorization URL and the signed state
// the callback must echo back.
func (s *Service) BeginLogin(ctx context.Context) (redirectURL, state string, err error) {
	state, err = s.state.issue()
	if err != nil {
		return "", "", err
	}
	s.logger.DebugContext(ctx, "login started", "provider", s.provider.Name())
	return s.provider.AuthCodeURL(state), state, nil
}

// VerifyState checks a state value returned to the callback.
func (s *Service) VerifyState(state string) error {
	return s.state.verify(state)
}

// HandleCallback exchanges code for a profile and reconciles the account.
// Errors wrap identity.ErrProvider or reconcile.ErrStorage. A directory
// failure is not an error: the user logs in with the groups-less role.
func (s *Service) HandleCallback(ctx context.Context, code string) (*auth.Account, error) {
	profile, err := s.provider.Exchange(ctx, code)
	if err != nil {
		s.metrics.LoginAttempt(OutcomeProviderError)
		s.logger.WarnContext(ctx, "provider exchange failed", "provider", s.provider.Name(), "error", err)
		s.logAudit(ctx, nil, audit.ActionLoginFailed, http.StatusBadGateway)
		return nil, fmt.Errorf("login: %w", err)
	}

	groups := auth.NewGroupSet()
	if s.directory != nil {
		groups = s.directory.FetchGroups(ctx, profile.ExternalID)
	}

	role := s.policy.MapRole(groups, profile.ExternalID)
	if s.policy.IsPermanentOwner(profile.ExternalID) {
		s.logger.InfoContext(ctx, "permanent owner login", "external_id", profile.ExternalID)
	}

	account, _, err := s.reconciler.Reconcile(ctx, *profile, role)
	if err != nil {
		s.metrics.LoginAttempt(OutcomeStorageError)
		s.logAudit(ctx, nil, audit.ActionLoginFailed, http.StatusInternalServerError)
		return nil, fmt.Errorf("login: %w", err)
	}

	s.metrics.LoginAttempt(OutcomeSuccess)
	s.logAudit(ctx, account, audit.ActionLogin, http.StatusOK)
	s.logger.InfoContext(ctx, "login succeeded",
		"account_id", account.ID,
		"role", string(account.Role),
		"groups", len(groups),
	)
	return account, nil
}

// StartSession stores a new session bound to account.
func (s *Service) StartSession(ctx context.Context, account *auth.Account) (*auth.Session, error) {
	session, err := auth.NewSession(auth.Serialize(account), s.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return session, nil
}

// ResolveSession returns the current account for sessionID. A missing or
// expired session, or a session whose account is gone, yields (nil, nil).
func (s *Service) ResolveSession(ctx context.Context, sessionID string) (*auth.Account, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, auth.ErrSessionExpired) {
		_ = s.sessions.Delete(ctx, sessionID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil || !session.IsValid() {
		return nil, nil
	}
	return s.deser.Deserialize(ctx, session.Principal)
}

// Logout deletes sessionID. Unknown sessions are ignored.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, auth.ErrSessionExpired) {
		s.logger.WarnContext(ctx, "logout session lookup failed", "error", err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	if session != nil {
		s.logAudit(ctx, &auth.Account{ID: string(session.Principal)}, audit.ActionLogout, http.StatusOK)
	}
	return nil
}

// logAudit records action with an HTTP-style status for its outcome.
func (s *Service) logAudit(ctx context.Context, account *auth.Account, action string, status int) {
	if s.audit == nil {
		return
	}
	event := &audit.AuditEvent{
		Actor:        "anonymous",
		ActorType:    audit.ActorTypeAnonymous,
		Action:       action,
		ResourceType: audit.ResourceSession,
		RequestID:    observability.RequestIDFromContext(ctx),
		IPAddress:    observability.ClientIPFromContext(ctx),
		StatusCode:   status,
	}
	if account != nil {
		event.Actor = account.ID
		event.ActorType = audit.ActorTypeAccount
		event.ResourceType = audit.ResourceAccount
		event.ResourceID = account.ID
		event.ResourceName = account.DisplayName
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "action", action, "error", err)
	}
}
