package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAccountStore is a PostgreSQL-backed implementation of AccountStore.
type PostgresAccountStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAccountStore creates an account store using an existing pool.
func NewPostgresAccountStore(pool *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{pool: pool}
}

const pgAccountColumns = `id, external_id, display_name, avatar_ref, role, created_at, updated_at, last_login_at`

func (s *PostgresAccountStore) Create(ctx context.Context, account *Account) error {
	if err := account.validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, external_id, display_name, avatar_ref, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.ExternalID, account.DisplayName, nullString(account.AvatarRef),
		string(account.Role), account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *PostgresAccountStore) GetByID(ctx context.Context, id string) (*Account, error) {
	return scanPgAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresAccountStore) GetByExternalID(ctx context.Context, externalID string) (*Account, error) {
	return scanPgAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE external_id = $1`, externalID))
}

func (s *PostgresAccountStore) Update(ctx context.Context, account *Account) error {
	if account == nil || account.ID == "" {
		return ErrAccountNotFound
	}
	if !IsValidRole(account.Role) {
		return ErrInvalidRole
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET display_name = $1, avatar_ref = $2, role = $3, updated_at = $4
		WHERE id = $5`,
		account.DisplayName, nullString(account.AvatarRef), string(account.Role), account.UpdatedAt, account.ID,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresAccountStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET last_login_at = $1 WHERE id = $2`, t, id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresAccountStore) List(ctx context.Context) ([]*Account, error) {
	return s.queryAccounts(ctx, `SELECT `+pgAccountColumns+` FROM accounts ORDER BY created_at DESC`)
}

func (s *PostgresAccountStore) ListStaff(ctx context.Context) ([]*Account, error) {
	accounts, err := s.queryAccounts(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE role <> $1 ORDER BY display_name`, string(RoleMember))
	if err != nil {
		return nil, err
	}
	SortStaff(accounts)
	return accounts, nil
}

func (s *PostgresAccountStore) queryAccounts(ctx context.Context, query string, args ...any) ([]*Account, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*Account, 0)
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanPgAccount(row pgx.Row) (*Account, error) {
	var (
		a      Account
		role   string
		avatar *string
	)
	err := row.Scan(&a.ID, &a.ExternalID, &a.DisplayName, &avatar, &role, &a.CreatedAt, &a.UpdatedAt, &a.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if avatar != nil {
		a.AvatarRef = *avatar
	}
	return &a, nil
}
