package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore keeps sessions in the sessions table of the shared
// pool.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

var _ SessionStore = (*PostgresSessionStore)(nil)

func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

func (s *PostgresSessionStore) Create(ctx context.Context, session *Session) error {
	if err := checkNew(session); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, account_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		session.ID, string(session.Principal), session.CreatedAt, session.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrInvalidSession
	}
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.Principal, err)
	}
	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	session := &Session{ID: id}
	var principal string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, created_at, expires_at FROM sessions WHERE id = $1`, id,
	).Scan(&principal, &session.CreatedAt, &session.ExpiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	}
	session.Principal = Principal(principal)
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return session, nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresSessionStore) DeleteByPrincipal(ctx context.Context, p Principal) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE account_id = $1`, string(p)); err != nil {
		return fmt.Errorf("delete sessions for %s: %w", p, err)
	}
	return nil
}

func (s *PostgresSessionStore) Cleanup(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
