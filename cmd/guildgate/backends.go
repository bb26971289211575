package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"guildgate/internal/audit"
	"guildgate/internal/auth"
	"guildgate/internal/config"
	"guildgate/internal/observability"
	"guildgate/internal/storage"
	"guildgate/internal/storage/postgres"
	"guildgate/internal/storage/sqlite"
)

// backends holds the stores selected by configuration.
type backends struct {
	accounts auth.AccountStore
	sessions auth.SessionStore
	audit    audit.AuditLogger
	health   storage.HealthCheck
	status   func(ctx context.Context) (string, error)
	closers  []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg *config.Config, logger observability.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		b.accounts = auth.NewMemoryAccountStore()
		b.audit = audit.NewMemoryAuditLogger()
		b.health = storage.NopHealthCheck{}
		b.status = func(context.Context) (string, error) { return "memory backend has no migrations", nil }
		if cfg.Sessions.Driver == config.DriverMemory {
			b.sessions = auth.NewMemorySessionStore()
		}
		logger.Warn("using in-memory storage; accounts are lost on restart")

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Storage.SQLiteDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.accounts = auth.NewSQLiteAccountStore(db.DB)
		b.audit = audit.NewSQLiteAuditLoggerFromDB(db.DB)
		b.health = db
		b.status = db.Status
		switch cfg.Sessions.Driver {
		case config.DriverSQLite:
			b.sessions = auth.NewSQLiteSessionStore(db.DB)
		case config.DriverMemory:
			b.sessions = auth.NewMemorySessionStore()
		}
		logger.Info("using sqlite storage", "dsn", cfg.Storage.SQLiteDSN)

	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.accounts = auth.NewPostgresAccountStore(db.Pool)
		b.audit = audit.NewPostgresAuditLoggerFromPool(db.Pool)
		b.health = db
		b.status = db.Status
		switch cfg.Sessions.Driver {
		case config.DriverPostgres:
			b.sessions = auth.NewPostgresSessionStore(db.Pool)
		case config.DriverMemory:
			b.sessions = auth.NewMemorySessionStore()
		}
		logger.Info("using postgres storage")

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Sessions.Driver == config.DriverRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Sessions.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = b.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.sessions = auth.NewRedisSessionStore(client)
		logger.Info("using redis sessions", "addr", cfg.Sessions.RedisAddr)
	}

	if b.sessions == nil {
		_ = b.Close()
		return nil, fmt.Errorf("session driver %q is not available with storage driver %q", cfg.Sessions.Driver, cfg.Storage.Driver)
	}
	return b, nil
}
