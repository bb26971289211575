package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteSessionStore keeps sessions in the sessions table of the shared
// SQLite database.
type SQLiteSessionStore struct {
	db *sql.DB
}

var _ SessionStore = (*SQLiteSessionStore)(nil)

func NewSQLiteSessionStore(db *sql.DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

func (s *SQLiteSessionStore) Create(ctx context.Context, session *Session) error {
	if err := checkNew(session); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, account_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		session.ID, string(session.Principal), sqliteTime(session.CreatedAt), sqliteTime(session.ExpiresAt))
	if isUniqueViolation(err) {
		return ErrInvalidSession
	}
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.Principal, err)
	}
	return nil
}

func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var principal, createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, created_at, expires_at FROM sessions WHERE id = ?`, id,
	).Scan(&principal, &createdAt, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	}

	session := &Session{
		ID:        id,
		Principal: Principal(principal),
		CreatedAt: parseSQLiteTime(createdAt),
		ExpiresAt: parseSQLiteTime(expiresAt),
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return session, nil
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, ErrSessionNotFound, `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *SQLiteSessionStore) DeleteByPrincipal(ctx context.Context, p Principal) error {
	return s.exec(ctx, nil, `DELETE FROM sessions WHERE account_id = ?`, string(p))
}

func (s *SQLiteSessionStore) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, sqliteTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// exec runs a delete and returns none when it touched no rows.
func (s *SQLiteSessionStore) exec(ctx context.Context, none error, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if none == nil {
		return nil
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return none
	}
	return nil
}
