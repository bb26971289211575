package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// AccountStore defines the interface for account persistence.
type AccountStore interface {
	// Create stores a new account.
	// Returns ErrAccountExists if the external id is already bound.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by its surrogate ID.
	// Returns nil, nil if not found.
	GetByID(ctx context.Context, id string) (*Account, error)

	// GetByExternalID retrieves an account by provider subject.
	// Returns nil, nil if not found.
	GetByExternalID(ctx context.Context, externalID string) (*Account, error)

	// Update writes display name, avatar, role and updated_at for the account with the given ID.
	// Returns ErrAccountNotFound if no row matches.
	Update(ctx context.Context, account *Account) error

	// UpdateLastLogin sets the last_login_at timestamp for an account.
	UpdateLastLogin(ctx context.Context, id string, t time.Time) error

	// List returns all accounts, newest first.
	List(ctx context.Context) ([]*Account, error)

	// ListStaff returns accounts above RoleMember ordered by role precedence then display name.
	ListStaff(ctx context.Context) ([]*Account, error)
}

// MemoryAccountStore is an in-memory implementation of AccountStore.
// Thread-safe; suitable for development and single-instance deployments.
type MemoryAccountStore struct {
	mu            sync.RWMutex
	accounts      map[string]*Account // keyed by ID
	externalIndex map[string]string   // external id -> ID
}

// NewMemoryAccountStore creates a new in-memory account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		accounts:      make(map[string]*Account),
		externalIndex: make(map[string]string),
	}
}

func (s *MemoryAccountStore) Create(_ context.Context, account *Account) error {
	if err := account.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return ErrAccountExists
	}
	if _, exists := s.externalIndex[account.ExternalID]; exists {
		return ErrAccountExists
	}

	s.accounts[account.ID] = copyAccount(account)
	s.externalIndex[account.ExternalID] = account.ID
	return nil
}

func (s *MemoryAccountStore) GetByID(_ context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	account, exists := s.accounts[id]
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	return copyAccount(account), nil
}

func (s *MemoryAccountStore) GetByExternalID(_ context.Context, externalID string) (*Account, error) {
	if externalID == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.externalIndex[externalID]
	if !exists {
		return nil, nil
	}
	return copyAccount(s.accounts[id]), nil
}

func (s *MemoryAccountStore) Update(_ context.Context, account *Account) error {
	if account == nil || account.ID == "" {
		return ErrAccountNotFound
	}
	if !IsValidRole(account.Role) {
		return ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.accounts[account.ID]
	if !exists {
		return ErrAccountNotFound
	}

	// external id and created_at are immutable
	existing.DisplayName = account.DisplayName
	existing.AvatarRef = account.AvatarRef
	existing.Role = account.Role
	existing.UpdatedAt = account.UpdatedAt
	return nil
}

func (s *MemoryAccountStore) UpdateLastLogin(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.accounts[id]
	if !exists {
		return ErrAccountNotFound
	}
	account.LastLoginAt = &t
	return nil
}

func (s *MemoryAccountStore) List(_ context.Context) ([]*Account, error) {
	s.mu.RLock()
	result := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		result = append(result, copyAccount(a))
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryAccountStore) ListStaff(_ context.Context) ([]*Account, error) {
	s.mu.RLock()
	result := make([]*Account, 0)
	for _, a := range s.accounts {
		if a.Role != RoleMember {
			result = append(result, copyAccount(a))
		}
	}
	s.mu.RUnlock()

	SortStaff(result)
	return result, nil
}

// SortStaff orders accounts by role precedence, highest first, then display name.
func SortStaff(accounts []*Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		pi, pj := Precedence(accounts[i].Role), Precedence(accounts[j].Role)
		if pi != pj {
			return pi > pj
		}
		return accounts[i].DisplayName < accounts[j].DisplayName
	})
}

// Count returns the number of stored accounts.
func (s *MemoryAccountStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}
