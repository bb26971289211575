package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidSession  = errors.New("invalid session")
)

// DefaultSessionDuration is used when a session is created with a
// non-positive lifetime.
const DefaultSessionDuration = 24 * time.Hour

// SessionIDLength is the number of random bytes in a session id. The id
// itself is hex encoded.
const SessionIDLength = 32

// Session binds an opaque token to a Principal. The role is not stored;
// it is read from the account on every request.
type Session struct {
	ID        string    `json:"id"`
	Principal Principal `json:"principal"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Session) expiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsExpired reports whether ExpiresAt has passed.
func (s *Session) IsExpired() bool {
	return s.expiredAt(time.Now())
}

// IsValid reports whether s has an id, an authenticated principal and
// has not expired.
func (s *Session) IsValid() bool {
	return s.ID != "" && IsAuthenticated(s.Principal) && !s.IsExpired()
}

// checkNew rejects sessions that cannot be stored.
func checkNew(s *Session) error {
	if s == nil || s.ID == "" || !IsAuthenticated(s.Principal) {
		return ErrInvalidSession
	}
	return nil
}

// SessionStore persists sessions. Every backend follows the same contract:
//   - Get returns nil, nil for an unknown id and ErrSessionExpired for a
//     stored session past its expiry.
//   - Delete returns ErrSessionNotFound for an unknown id.
//   - DeleteByPrincipal and Cleanup never fail on an empty result.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByPrincipal(ctx context.Context, p Principal) error
	Cleanup(ctx context.Context) (int, error)
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu          sync.RWMutex
	byID        map[string]Session
	byPrincipal map[Principal]map[string]struct{}
}

var _ SessionStore = (*MemorySessionStore)(nil)

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		byID:        make(map[string]Session),
		byPrincipal: make(map[Principal]map[string]struct{}),
	}
}

func (s *MemorySessionStore) Create(_ context.Context, session *Session) error {
	if err := checkNew(session); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byID[session.ID]; taken {
		return ErrInvalidSession
	}
	s.byID[session.ID] = *session
	ids, ok := s.byPrincipal[session.Principal]
	if !ok {
		ids = make(map[string]struct{})
		s.byPrincipal[session.Principal] = ids
	}
	ids[session.ID] = struct{}{}
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	session, ok := s.byID[id]
	s.mu.RUnlock()

	switch {
	case !ok:
		return nil, nil
	case session.IsExpired():
		return nil, ErrSessionExpired
	}
	return &session, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.remove(id) {
		return ErrSessionNotFound
	}
	return nil
}

func (s *MemorySessionStore) DeleteByPrincipal(_ context.Context, p Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.byPrincipal[p] {
		delete(s.byID, id)
	}
	delete(s.byPrincipal, p)
	return nil
}

func (s *MemorySessionStore) Cleanup(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.byID {
		if session.expiredAt(now) && s.remove(id) {
			removed++
		}
	}
	return removed, nil
}

// remove drops id from both indexes. Caller holds s.mu.
func (s *MemorySessionStore) remove(id string) bool {
	session, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if ids := s.byPrincipal[session.Principal]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byPrincipal, session.Principal)
		}
	}
	return true
}

// Count returns the number of stored sessions, expired ones included.
func (s *MemorySessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// GenerateSessionID returns SessionIDLength random bytes, hex encoded.
func GenerateSessionID() (string, error) {
	var b [SessionIDLength]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// NewSession creates a session for p that lives for ttl.
func NewSession(p Principal, ttl time.Duration) (*Session, error) {
	if !IsAuthenticated(p) {
		return nil, ErrInvalidSession
	}
	if ttl <= 0 {
		ttl = DefaultSessionDuration
	}
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Session{ID: id, Principal: p, CreatedAt: now, ExpiresAt: now.Add(ttl)}, nil
}
