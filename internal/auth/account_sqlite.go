package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteAccountStore is a SQLite-backed implementation of AccountStore.
type SQLiteAccountStore struct {
	db *sql.DB
}

// NewSQLiteAccountStore creates an account store using an existing DB connection.
func NewSQLiteAccountStore(db *sql.DB) *SQLiteAccountStore {
	return &SQLiteAccountStore{db: db}
}

const sqliteAccountColumns = `id, external_id, display_name, avatar_ref, role, created_at, updated_at, last_login_at`

func (s *SQLiteAccountStore) Create(ctx context.Context, account *Account) error {
	if err := account.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, external_id, display_name, avatar_ref, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		account.ID, account.ExternalID, account.DisplayName, nullString(account.AvatarRef), string(account.Role),
		sqliteTime(account.CreatedAt), sqliteTime(account.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *SQLiteAccountStore) GetByID(ctx context.Context, id string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id))
}

func (s *SQLiteAccountStore) GetByExternalID(ctx context.Context, externalID string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE external_id = ?`, externalID))
}

func (s *SQLiteAccountStore) Update(ctx context.Context, account *Account) error {
	if account == nil || account.ID == "" {
		return ErrAccountNotFound
	}
	if !IsValidRole(account.Role) {
		return ErrInvalidRole
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET display_name = ?, avatar_ref = ?, role = ?, updated_at = ?
		WHERE id = ?
	`,
		account.DisplayName, nullString(account.AvatarRef), string(account.Role),
		sqliteTime(account.UpdatedAt), account.ID,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *SQLiteAccountStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_login_at = ? WHERE id = ?`,
		sqliteTime(t), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *SQLiteAccountStore) List(ctx context.Context) ([]*Account, error) {
	return s.queryAccounts(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts ORDER BY created_at DESC`)
}

func (s *SQLiteAccountStore) ListStaff(ctx context.Context) ([]*Account, error) {
	accounts, err := s.queryAccounts(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE role <> ? ORDER BY display_name`, string(RoleMember))
	if err != nil {
		return nil, err
	}
	SortStaff(accounts)
	return accounts, nil
}

func (s *SQLiteAccountStore) queryAccounts(ctx context.Context, query string, args ...any) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*Account, 0)
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteAccountStore) scanAccount(row rowScanner) (*Account, error) {
	var (
		a                    Account
		role                 string
		avatar               sql.NullString
		createdAt, updatedAt string
		lastLoginAt          sql.NullString
	)
	err := row.Scan(&a.ID, &a.ExternalID, &a.DisplayName, &avatar, &role, &createdAt, &updatedAt, &lastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	parsed, err := ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", a.ID, err)
	}
	a.Role = parsed
	a.AvatarRef = avatar.String
	a.CreatedAt = parseSQLiteTime(createdAt)
	a.UpdatedAt = parseSQLiteTime(updatedAt)
	if lastLoginAt.Valid {
		t := parseSQLiteTime(lastLoginAt.String)
		a.LastLoginAt = &t
	}
	return &a, nil
}
