// Package reconcile binds an external identity to exactly one local account.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"guildgate/internal/audit"
	"guildgate/internal/auth"
	"guildgate/internal/identity"
	"guildgate/internal/observability"
)

// ErrStorage marks a persistence failure that aborts the login attempt.
var ErrStorage = errors.New("account storage error")

// Outcome describes which path a reconciliation took.
type Outcome string

const (
	OutcomeCreated           Outcome = "created"
	OutcomeUpdated           Outcome = "updated"
	OutcomeConflictRecovered Outcome = "conflict_recovered"
)

// Invalidator drops cached copies of an account.
type Invalidator interface {
	Invalidate(id string)
}

// SessionRevoker ends every session held by a principal.
type SessionRevoker interface {
	DeleteByPrincipal(ctx context.Context, p auth.Principal) error
}

// Reconciler creates or refreshes the account for a verified profile.
// It holds no locks: the store's unique external id decides creation races.
type Reconciler struct {
	accounts    auth.AccountStore
	audit       audit.AuditLogger
	logger      observability.Logger
	metrics     *observability.Metrics
	invalidator Invalidator
	revoker     SessionRevoker
	now         func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAudit records account_created and role_changed events.
func WithAudit(a audit.AuditLogger) Option {
	return func(r *Reconciler) { r.audit = a }
}

func WithLogger(l observability.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithInvalidator is told about every account the reconciler writes.
func WithInvalidator(i Invalidator) Option {
	return func(r *Reconciler) { r.invalidator = i }
}

// WithSessionRevoker ends an account's existing sessions when a login
// lowers its role. Sessions started after the reconcile are unaffected.
func WithSessionRevoker(s SessionRevoker) Option {
	return func(r *Reconciler) { r.revoker = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Reconciler over accounts.
func New(accounts auth.AccountStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		accounts: accounts,
		logger:   observability.NewLogger(observability.Config{Output: io.Discard}),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("reconcile")
	return r
}

// Reconcile returns the single account bound to profile.ExternalID, creating it
// on first sight and otherwise overwriting display name, avatar and role.
func (r *Reconciler) Reconcile(ctx context.Context, profile identity.Profile, role auth.Role) (*auth.Account, Outcome, error) {
	if profile.ExternalID == "" {
		return nil, "", fmt.Errorf("reconcile: empty external id: %w", auth.ErrInvalidAccount)
	}
	if !auth.IsValidRole(role) {
		return nil, "", fmt.Errorf("reconcile %s: %w", profile.ExternalID, auth.ErrInvalidRole)
	}

	existing, err := r.accounts.GetByExternalID(ctx, profile.ExternalID)
	if err != nil {
		return nil, "", r.storageErr(ctx, "lookup account", profile.ExternalID, err)
	}

	var (
		account *auth.Account
		outcome Outcome
	)
	if existing == nil {
		account, outcome, err = r.create(ctx, profile, role)
	} else {
		account, err = r.update(ctx, existing, profile, role)
		outcome = OutcomeUpdated
	}
	if err != nil {
		return nil, "", err
	}

	if r.invalidator != nil {
		r.invalidator.Invalidate(account.ID)
	}
	r.metrics.Reconciliation(string(outcome))
	r.logger.InfoContext(ctx, "account reconciled",
		"account_id", account.ID,
		"external_id", account.ExternalID,
		"role", string(account.Role),
		"outcome", string(outcome),
	)
	return account, outcome, nil
}

func (r *Reconciler) create(ctx context.Context, profile identity.Profile, role auth.Role) (*auth.Account, Outcome, error) {
	now := r.now()
	account := &auth.Account{
		ID:          uuid.New().String(),
		ExternalID:  profile.ExternalID,
		DisplayName: profile.DisplayName(),
		AvatarRef:   profile.AvatarRef,
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := r.accounts.Create(ctx, account)
	switch {
	case err == nil:
		r.logAudit(ctx, account, audit.ActionAccountCreated, http.StatusCreated, nil)
		saved, err := r.touch(ctx, account.ID, now)
		if err != nil {
			return nil, "", err
		}
		return saved, OutcomeCreated, nil

	case errors.Is(err, auth.ErrAccountExists):
		// Another login for the same identity won the insert.
		winner, err := r.accounts.GetByExternalID(ctx, profile.ExternalID)
		if err != nil {
			return nil, "", r.storageErr(ctx, "re-read after conflict", profile.ExternalID, err)
		}
		if winner == nil {
			return nil, "", r.storageErr(ctx, "re-read after conflict", profile.ExternalID,
				errors.New("conflicting account not visible"))
		}
		r.logger.DebugContext(ctx, "account creation conflict recovered", "external_id", profile.ExternalID)
		saved, err := r.update(ctx, winner, profile, role)
		if err != nil {
			return nil, "", err
		}
		return saved, OutcomeConflictRecovered, nil

	default:
		return nil, "", r.storageErr(ctx, "create account", profile.ExternalID, err)
	}
}

func (r *Reconciler) update(ctx context.Context, existing *auth.Account, profile identity.Profile, role auth.Role) (*auth.Account, error) {
	now := r.now()
	before := existing.Role

	next := *existing
	next.DisplayName = profile.DisplayName()
	next.AvatarRef = profile.AvatarRef
	next.Role = role
	next.UpdatedAt = now

	if err := r.accounts.Update(ctx, &next); err != nil {
		return nil, r.storageErr(ctx, "update account", existing.ExternalID, err)
	}
	if before != role {
		r.logAudit(ctx, &next, audit.ActionRoleChanged, http.StatusOK, &audit.Changes{
			Before: map[string]any{"role": string(before)},
			After:  map[string]any{"role": string(role)},
		})
	}
	if auth.Precedence(role) < auth.Precedence(before) {
		r.revokeSessions(ctx, &next, before)
	}
	return r.touch(ctx, existing.ID, now)
}

// revokeSessions drops sessions issued under a higher role. A failure is
// logged only: every request re-reads the role, so old sessions cannot
// keep the revoked privileges.
func (r *Reconciler) revokeSessions(ctx context.Context, account *auth.Account, before auth.Role) {
	if r.revoker == nil {
		return
	}
	if err := r.revoker.DeleteByPrincipal(ctx, auth.Serialize(account)); err != nil {
		r.logger.WarnContext(ctx, "session revocation failed", "account_id", account.ID, "error", err)
		return
	}
	r.logger.InfoContext(ctx, "sessions revoked after demotion",
		"account_id", account.ID,
		"from", string(before),
		"to", string(account.Role),
	)
}

// touch stamps last_login_at and returns the stored row.
func (r *Reconciler) touch(ctx context.Context, id string, now time.Time) (*auth.Account, error) {
	if err := r.accounts.UpdateLastLogin(ctx, id, now); err != nil {
		return nil, r.storageErr(ctx, "update last login", id, err)
	}
	saved, err := r.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, r.storageErr(ctx, "re-read account", id, err)
	}
	if saved == nil {
		return nil, r.storageErr(ctx, "re-read account", id, auth.ErrAccountNotFound)
	}
	return saved, nil
}

func (r *Reconciler) storageErr(ctx context.Context, op, key string, err error) error {
	r.metrics.Reconciliation("error")
	r.logger.ErrorContext(ctx, "account storage failed", "op", op, "key", key, "error", err)
	return fmt.Errorf("%w: %s %s: %w", ErrStorage, op, key, err)
}

func (r *Reconciler) logAudit(ctx context.Context, account *auth.Account, action string, status int, changes *audit.Changes) {
	if r.audit == nil {
		return
	}
	err := r.audit.Log(ctx, &audit.AuditEvent{
		Actor:        account.ID,
		ActorType:    audit.ActorTypeAccount,
		Action:       action,
		ResourceType: audit.ResourceAccount,
		ResourceID:   account.ID,
		ResourceName: account.DisplayName,
		Changes:      changes,
		RequestID:    observability.RequestIDFromContext(ctx),
		IPAddress:    observability.ClientIPFromContext(ctx),
		StatusCode:   status,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "audit write failed", "action", action, "error", err)
	}
}
