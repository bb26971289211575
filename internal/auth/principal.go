package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Principal is the opaque session value: the surrogate Account.ID.
type Principal string

// Serialize returns the principal stored in a session for an account.
func Serialize(account *Account) Principal {
	if account == nil {
		return ""
	}
	return Principal(account.ID)
}

// DefaultAccountCacheTTL bounds how long a deserialized account is reused.
const DefaultAccountCacheTTL = 30 * time.Second

// NoAccountCache disables the account cache. Use it when several processes
// write the same account store, since Invalidate only reaches this process.
const NoAccountCache time.Duration = -1

// Deserializer resolves a session principal to the current account.
// Lookups are cached briefly; Invalidate must be called after an account
// is written so the next request sees the new role.
type Deserializer struct {
	accounts AccountStore
	cache    *gocache.Cache // nil when caching is disabled

	// gen is bumped by every Invalidate. A lookup only fills the cache if
	// no invalidation happened while it was reading the store.
	mu  sync.Mutex
	gen uint64
}

// NewDeserializer creates a Deserializer. A ttl of 0 uses
// DefaultAccountCacheTTL and a negative ttl disables caching.
func NewDeserializer(accounts AccountStore, ttl time.Duration) *Deserializer {
	d := &Deserializer{accounts: accounts}
	if ttl == 0 {
		ttl = DefaultAccountCacheTTL
	}
	if ttl > 0 {
		d.cache = gocache.New(ttl, 2*ttl)
	}
	return d
}

// Deserialize returns the account for p. It returns (nil, nil) when p is
// empty or the account no longer exists; callers treat both as
// unauthenticated.
func (d *Deserializer) Deserialize(ctx context.Context, p Principal) (*Account, error) {
	if !IsAuthenticated(p) {
		return nil, nil
	}
	if d.cache == nil {
		return d.load(ctx, p)
	}
	if v, ok := d.cache.Get(string(p)); ok {
		return copyAccount(v.(*Account)), nil
	}

	d.mu.Lock()
	gen := d.gen
	d.mu.Unlock()

	account, err := d.load(ctx, p)
	if account == nil || err != nil {
		return account, err
	}

	d.mu.Lock()
	if d.gen == gen {
		d.cache.SetDefault(string(p), copyAccount(account))
	}
	d.mu.Unlock()
	return account, nil
}

func (d *Deserializer) load(ctx context.Context, p Principal) (*Account, error) {
	account, err := d.accounts.GetByID(ctx, string(p))
	if err != nil {
		return nil, fmt.Errorf("deserialize principal: %w", err)
	}
	return account, nil
}

// Invalidate drops any cached account for id. Lookups already in flight
// will not cache what they read.
func (d *Deserializer) Invalidate(id string) {
	if d.cache == nil {
		return
	}
	d.mu.Lock()
	d.gen++
	d.cache.Delete(id)
	d.mu.Unlock()
}
