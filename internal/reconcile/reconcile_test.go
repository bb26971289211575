package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"guildgate/internal/audit"
	"guildgate/internal/auth"
	"guildgate/internal/identity"
	"guildgate/internal/observability"
	"guildgate/internal/storage/sqlite"
)

func testStores(t *testing.T) map[string]auth.AccountStore {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "reconcile.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return map[string]auth.AccountStore{
		"memory": auth.NewMemoryAccountStore(),
		"sqlite": auth.NewSQLiteAccountStore(db.DB),
	}
}

func alice() identity.Profile {
	return identity.Profile{ExternalID: "1001", Username: "alice", Discriminator: "0", AvatarRef: "av1"}
}

func TestReconcile_CreateThenIdempotentRelogin(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			auditLog := audit.NewMemoryAuditLogger()
			r := New(store, WithAudit(auditLog))

			first, outcome, err := r.Reconcile(ctx, alice(), auth.RoleStaff)
			if err != nil {
				t.Fatalf("first Reconcile() error = %v", err)
			}
			if outcome != OutcomeCreated {
				t.Errorf("outcome = %q, want created", outcome)
			}
			if first.LastLoginAt == nil {
				t.Error("LastLoginAt not set on create")
			}

			second, outcome, err := r.Reconcile(ctx, alice(), auth.RoleStaff)
			if err != nil {
				t.Fatalf("second Reconcile() error = %v", err)
			}
			if outcome != OutcomeUpdated {
				t.Errorf("outcome = %q, want updated", outcome)
			}
			if second.ID != first.ID || second.Role != first.Role ||
				second.DisplayName != first.DisplayName || second.AvatarRef != first.AvatarRef {
				t.Errorf("re-login changed account: %+v -> %+v", first, second)
			}

			all, _ := store.List(ctx)
			if len(all) != 1 {
				t.Errorf("accounts = %d, want 1", len(all))
			}
			created, _, _ := auditLog.List(ctx, audit.ListOptions{Action: audit.ActionAccountCreated})
			changed, _, _ := auditLog.List(ctx, audit.ListOptions{Action: audit.ActionRoleChanged})
			if len(created) != 1 || len(changed) != 0 {
				t.Errorf("audit created=%d role_changed=%d, want 1 and 0", len(created), len(changed))
			}
		})
	}
}

func TestReconcile_ReturningOverwritesProfileAndRole(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			auditLog := audit.NewMemoryAuditLogger()
			r := New(store, WithAudit(auditLog))

			if _, _, err := r.Reconcile(ctx, alice(), auth.RoleAdmin); err != nil {
				t.Fatal(err)
			}
			renamed := identity.Profile{ExternalID: "1001", Username: "alicia", Discriminator: "42"}
			got, outcome, err := r.Reconcile(ctx, renamed, auth.RoleMember)
			if err != nil {
				t.Fatal(err)
			}
			if outcome != OutcomeUpdated {
				t.Errorf("outcome = %q", outcome)
			}
			if got.Role != auth.RoleMember {
				t.Errorf("Role = %q, want member (fresh role wins)", got.Role)
			}
			if got.DisplayName != "alicia#42" || got.AvatarRef != "" {
				t.Errorf("profile not overwritten: %+v", got)
			}

			events, _, _ := auditLog.List(ctx, audit.ListOptions{Action: audit.ActionRoleChanged})
			if len(events) != 1 {
				t.Fatalf("role_changed events = %d, want 1", len(events))
			}
			if events[0].Changes.Before["role"] != "admin" || events[0].Changes.After["role"] != "member" {
				t.Errorf("Changes = %+v", events[0].Changes)
			}
		})
	}
}

func TestReconcile_ConcurrentFirstLogin(t *testing.T) {
	const callers = 16
	for name, base := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := observability.NewMetrics("reconcile_test", "test")
			store := newLookupBarrierStore(base, callers)
			r := New(store, WithMetrics(m))

			ids := make([]string, callers)
			var g errgroup.Group
			for i := 0; i < callers; i++ {
				g.Go(func() error {
					a, _, err := r.Reconcile(ctx, alice(), auth.RoleMember)
					if err != nil {
						return err
					}
					ids[i] = a.ID
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}

			for i, id := range ids {
				if id != ids[0] {
					t.Errorf("caller %d got id %s, want %s", i, id, ids[0])
				}
			}
			all, err := base.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 1 {
				t.Errorf("accounts = %d, want exactly 1", len(all))
			}
			if got := reconciliations(t, m, OutcomeCreated); got != 1 {
				t.Errorf("created = %v, want 1", got)
			}
			if got := reconciliations(t, m, OutcomeConflictRecovered); got != callers-1 {
				t.Errorf("conflict_recovered = %v, want %d", got, callers-1)
			}
		})
	}
}

func TestReconcile_ConflictRecoveredOverwritesWinner(t *testing.T) {
	for name, base := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			winner := &auth.Account{
				ID:          "winner",
				ExternalID:  alice().ExternalID,
				DisplayName: "stale#0001",
				AvatarRef:   "old-avatar",
				Role:        auth.RoleAdmin,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := base.Create(ctx, winner); err != nil {
				t.Fatalf("seed winner: %v", err)
			}
			auditLog := audit.NewMemoryAuditLogger()
			r := New(&lateWinnerStore{AccountStore: base}, WithAudit(auditLog))

			got, outcome, err := r.Reconcile(ctx, alice(), auth.RoleStaff)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if outcome != OutcomeConflictRecovered {
				t.Errorf("outcome = %q, want conflict_recovered", outcome)
			}
			if got.ID != winner.ID {
				t.Errorf("ID = %q, want the winner's %q", got.ID, winner.ID)
			}
			if got.Role != auth.RoleStaff || got.DisplayName != alice().DisplayName() || got.AvatarRef != "av1" {
				t.Errorf("winner not overwritten: %+v", got)
			}
			if got.LastLoginAt == nil {
				t.Error("LastLoginAt not set after conflict recovery")
			}

			all, _ := base.List(ctx)
			if len(all) != 1 {
				t.Errorf("accounts = %d, want 1", len(all))
			}
			changed, _, _ := auditLog.List(ctx, audit.ListOptions{Action: audit.ActionRoleChanged})
			created, _, _ := auditLog.List(ctx, audit.ListOptions{Action: audit.ActionAccountCreated})
			if len(changed) != 1 || len(created) != 0 {
				t.Errorf("audit role_changed=%d account_created=%d, want 1 and 0", len(changed), len(created))
			}
		})
	}
}

func TestReconcile_InvalidatesCache(t *testing.T) {
	store := auth.NewMemoryAccountStore()
	inv := &recordingInvalidator{}
	r := New(store, WithInvalidator(inv))

	a, _, err := r.Reconcile(context.Background(), alice(), auth.RoleMember)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Reconcile(context.Background(), alice(), auth.RoleOwner); err != nil {
		t.Fatal(err)
	}
	if got := inv.ids(); len(got) != 2 || got[0] != a.ID || got[1] != a.ID {
		t.Errorf("invalidated = %v", got)
	}
}

func TestReconcile_DeserializerSeesFreshRole(t *testing.T) {
	ctx := context.Background()
	store := auth.NewMemoryAccountStore()
	d := auth.NewDeserializer(store, time.Minute)
	r := New(store, WithInvalidator(d))

	a, _, _ := r.Reconcile(ctx, alice(), auth.RoleMember)
	if got, _ := d.Deserialize(ctx, auth.Serialize(a)); got.Role != auth.RoleMember {
		t.Fatalf("Role = %q", got.Role)
	}
	if _, _, err := r.Reconcile(ctx, alice(), auth.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Deserialize(ctx, auth.Serialize(a)); got.Role != auth.RoleAdmin {
		t.Errorf("Role after re-login = %q, want admin", got.Role)
	}
}

func TestReconcile_DemotionRevokesSessions(t *testing.T) {
	ctx := context.Background()
	store := auth.NewMemoryAccountStore()
	sessions := auth.NewMemorySessionStore()
	r := New(store, WithSessionRevoker(sessions))

	a, _, err := r.Reconcile(ctx, alice(), auth.RoleStaff)
	if err != nil {
		t.Fatal(err)
	}
	startSession := func() string {
		t.Helper()
		s, err := auth.NewSession(auth.Serialize(a), time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if err := sessions.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
		return s.ID
	}

	kept := startSession()
	if _, _, err := r.Reconcile(ctx, alice(), auth.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if s, _ := sessions.Get(ctx, kept); s == nil {
		t.Fatal("promotion revoked an existing session")
	}

	if _, _, err := r.Reconcile(ctx, alice(), auth.RoleMember); err != nil {
		t.Fatal(err)
	}
	if s, _ := sessions.Get(ctx, kept); s != nil {
		t.Error("session issued to admin survived demotion to member")
	}

	fresh := startSession()
	if _, _, err := r.Reconcile(ctx, alice(), auth.RoleMember); err != nil {
		t.Fatal(err)
	}
	if s, _ := sessions.Get(ctx, fresh); s == nil {
		t.Error("unchanged role revoked a session")
	}
}

func TestReconcile_StorageErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	tests := []struct {
		name  string
		store *faultyStore
	}{
		{"lookup fails", &faultyStore{getByExternalErr: boom}},
		{"create fails", &faultyStore{createErr: boom}},
		{"conflict but row invisible", &faultyStore{createErr: auth.ErrAccountExists}},
		{"update fails", &faultyStore{seed: true, updateErr: boom}},
		{"last login fails", &faultyStore{lastLoginErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.store.AccountStore = auth.NewMemoryAccountStore()
			if tt.store.seed {
				r := New(tt.store.AccountStore)
				if _, _, err := r.Reconcile(context.Background(), alice(), auth.RoleMember); err != nil {
					t.Fatal(err)
				}
			}
			inv := &recordingInvalidator{}
			r := New(tt.store, WithInvalidator(inv))

			a, _, err := r.Reconcile(context.Background(), alice(), auth.RoleMember)
			if !errors.Is(err, ErrStorage) {
				t.Fatalf("err = %v, want ErrStorage", err)
			}
			if a != nil {
				t.Errorf("account = %+v, want nil", a)
			}
			if len(inv.ids()) != 0 {
				t.Error("cache invalidated for a failed reconcile")
			}
		})
	}
}

func TestReconcile_RejectsBadInput(t *testing.T) {
	r := New(auth.NewMemoryAccountStore())
	if _, _, err := r.Reconcile(context.Background(), identity.Profile{}, auth.RoleMember); !errors.Is(err, auth.ErrInvalidAccount) {
		t.Errorf("empty external id err = %v", err)
	}
	if _, _, err := r.Reconcile(context.Background(), alice(), auth.Role("root")); !errors.Is(err, auth.ErrInvalidRole) {
		t.Errorf("invalid role err = %v", err)
	}
}

type recordingInvalidator struct {
	mu  sync.Mutex
	got []string
}

func (r *recordingInvalidator) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, id)
}

func (r *recordingInvalidator) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

// faultyStore injects errors in front of a working store.
type faultyStore struct {
	auth.AccountStore
	seed             bool
	getByExternalErr error
	createErr        error
	updateErr        error
	lastLoginErr     error
}

func (f *faultyStore) GetByExternalID(ctx context.Context, externalID string) (*auth.Account, error) {
	if f.getByExternalErr != nil {
		return nil, f.getByExternalErr
	}
	return f.AccountStore.GetByExternalID(ctx, externalID)
}

func (f *faultyStore) Create(ctx context.Context, a *auth.Account) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.AccountStore.Create(ctx, a)
}

func (f *faultyStore) Update(ctx context.Context, a *auth.Account) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.AccountStore.Update(ctx, a)
}

func (f *faultyStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	if f.lastLoginErr != nil {
		return f.lastLoginErr
	}
	return f.AccountStore.UpdateLastLogin(ctx, id, t)
}

// lateWinnerStore hides the existing row from the first lookup, as if a
// concurrent login inserted it between lookup and create.
type lateWinnerStore struct {
	auth.AccountStore
	lookups atomic.Int32
}

func (s *lateWinnerStore) GetByExternalID(ctx context.Context, externalID string) (*auth.Account, error) {
	if s.lookups.Add(1) == 1 {
		return nil, nil
	}
	return s.AccountStore.GetByExternalID(ctx, externalID)
}

// lookupBarrierStore holds the first n lookups until all n have read the
// store, so every caller sees the account as missing and races to create it.
type lookupBarrierStore struct {
	auth.AccountStore
	n       int32
	lookups atomic.Int32
	ready   sync.WaitGroup
}

func newLookupBarrierStore(store auth.AccountStore, n int) *lookupBarrierStore {
	s := &lookupBarrierStore{AccountStore: store, n: int32(n)}
	s.ready.Add(n)
	return s
}

func (s *lookupBarrierStore) GetByExternalID(ctx context.Context, externalID string) (*auth.Account, error) {
	a, err := s.AccountStore.GetByExternalID(ctx, externalID)
	if s.lookups.Add(1) <= s.n {
		s.ready.Done()
		s.ready.Wait()
	}
	return a, err
}

func reconciliations(t *testing.T, m *observability.Metrics, outcome Outcome) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "reconcile_test_account_reconciliations_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == string(outcome) {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
