package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSession_IsValid(t *testing.T) {
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name    string
		session *Session
		want    bool
	}{
		{"valid session", &Session{ID: "abc", Principal: "acct", ExpiresAt: future}, true},
		{"expired session", &Session{ID: "abc", Principal: "acct", ExpiresAt: past}, false},
		{"missing ID", &Session{Principal: "acct", ExpiresAt: future}, false},
		{"missing principal", &Session{ID: "abc", ExpiresAt: future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.session.IsValid(); got != tt.want {
				t.Errorf("Session.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewSession(t *testing.T) {
	s, err := NewSession("acct-1", 0)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if len(s.ID) != SessionIDLength*2 {
		t.Errorf("session id length = %d, want %d", len(s.ID), SessionIDLength*2)
	}
	if d := s.ExpiresAt.Sub(s.CreatedAt); d != DefaultSessionDuration {
		t.Errorf("lifetime = %v, want %v", d, DefaultSessionDuration)
	}
	if _, err := NewSession("", time.Hour); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("NewSession(empty) = %v, want ErrInvalidSession", err)
	}
}

func newRedisSessionStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client), mr
}

func sessionStores(t *testing.T) map[string]SessionStore {
	redisStore, _ := newRedisSessionStore(t)
	return map[string]SessionStore{
		"memory": NewMemorySessionStore(),
		"sqlite": NewSQLiteSessionStore(openTestSQLite(t).DB),
		"redis":  redisStore,
	}
}

func TestSessionStore_Lifecycle(t *testing.T) {
	for name, store := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			s1, _ := NewSession("acct-1", time.Hour)
			s2, _ := NewSession("acct-1", time.Hour)
			other, _ := NewSession("acct-2", time.Hour)
			for _, s := range []*Session{s1, s2, other} {
				if err := store.Create(ctx, s); err != nil {
					t.Fatalf("Create: %v", err)
				}
			}

			got, err := store.Get(ctx, s1.ID)
			if err != nil || got == nil {
				t.Fatalf("Get = %v, %v", got, err)
			}
			if got.Principal != "acct-1" {
				t.Errorf("Principal = %q, want acct-1", got.Principal)
			}

			if err := store.Delete(ctx, s1.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if got, _ := store.Get(ctx, s1.ID); got != nil {
				t.Error("session survived Delete")
			}
			if err := store.Delete(ctx, s1.ID); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("second Delete = %v, want ErrSessionNotFound", err)
			}

			if err := store.DeleteByPrincipal(ctx, "acct-1"); err != nil {
				t.Fatalf("DeleteByPrincipal: %v", err)
			}
			if got, _ := store.Get(ctx, s2.ID); got != nil {
				t.Error("session survived DeleteByPrincipal")
			}
			if got, _ := store.Get(ctx, other.ID); got == nil {
				t.Error("DeleteByPrincipal removed another principal's session")
			}

			missing, err := store.Get(ctx, "nope")
			if missing != nil || err != nil {
				t.Errorf("Get(missing) = %v, %v; want nil, nil", missing, err)
			}
		})
	}
}

func TestSessionStore_RejectsInvalid(t *testing.T) {
	for name, store := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bad := &Session{ID: "x", ExpiresAt: time.Now().Add(time.Hour)}
			if err := store.Create(ctx, bad); !errors.Is(err, ErrInvalidSession) {
				t.Errorf("Create(no principal) = %v, want ErrInvalidSession", err)
			}
		})
	}
}

func TestMemorySessionStore_Cleanup(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	live, _ := NewSession("acct", time.Hour)
	expired := &Session{ID: "old", Principal: "acct", CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour)}
	_ = store.Create(ctx, live)
	_ = store.Create(ctx, expired)

	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Get(expired) = %v, want ErrSessionExpired", err)
	}
	n, err := store.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Errorf("Cleanup = %d, %v; want 1, nil", n, err)
	}
	if store.Count() != 1 {
		t.Errorf("Count = %d, want 1", store.Count())
	}
}

func TestSQLiteSessionStore_Cleanup(t *testing.T) {
	store := NewSQLiteSessionStore(openTestSQLite(t).DB)
	ctx := context.Background()

	expired := &Session{ID: "old", Principal: "acct", CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour)}
	if err := store.Create(ctx, expired); err != nil {
		t.Fatalf("Create: %v", err)
	}
	n, err := store.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Errorf("Cleanup = %d, %v; want 1, nil", n, err)
	}
}

func TestRedisSessionStore_TTLAndCleanup(t *testing.T) {
	store, mr := newRedisSessionStore(t)
	ctx := context.Background()

	s, _ := NewSession("acct", time.Minute)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL(sessionKey(s.ID)); ttl <= 0 || ttl > time.Minute {
		t.Errorf("session key TTL = %v", ttl)
	}

	// Drop the session key but leave the principal index entry behind.
	mr.Del(sessionKey(s.ID))
	n, err := store.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Errorf("Cleanup = %d, %v; want 1, nil", n, err)
	}
	members, _ := mr.Members(principalKey("acct"))
	if len(members) != 0 {
		t.Errorf("principal index still holds %v", members)
	}
}
