// Package sqlite opens the SQLite database shared by the account, session and audit stores.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"guildgate/internal/storage"
)

// DB wraps the shared SQLite handle.
type DB struct {
	*sql.DB
}

var _ storage.HealthCheck = (*DB)(nil)

// Open opens dsn, applies pragmas, and runs pending migrations.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps pragmas and :memory: databases consistent across the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &DB{DB: db}, nil
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.PingContext(ctx)
}

// Status returns a summary of the migration state.
func (d *DB) Status(ctx context.Context) (string, error) {
	var count, latest int
	if err := d.QueryRowContext(ctx, `SELECT COUNT(1), COALESCE(MAX(version),0) FROM schema_migrations`).Scan(&count, &latest); err != nil {
		return "", fmt.Errorf("read schema_migrations: %w", err)
	}
	var schemaVersion int
	var appVersion, appliedAt string
	if err := d.QueryRowContext(ctx, `SELECT schema_version, app_version, applied_at FROM schema_info WHERE id=1`).Scan(&schemaVersion, &appVersion, &appliedAt); err != nil {
		return "", fmt.Errorf("read schema_info: %w", err)
	}
	return fmt.Sprintf("schema_version=%d applied=%d latest=%d app_version=%s applied_at=%s",
		schemaVersion, count, latest, appVersion, appliedAt), nil
}
