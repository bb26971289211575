package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"guildgate/internal/api"
	"guildgate/internal/auth"
	"guildgate/internal/config"
	"guildgate/internal/directory"
	"guildgate/internal/gateway"
	"guildgate/internal/identity"
	"guildgate/internal/observability"
	"guildgate/internal/reconcile"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	sessionCleanupInterval = 15 * time.Minute
	shutdownTimeout        = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (env vars override it)")
	addrFlag := flag.String("addr", "", "listen address (host:port); overrides config")
	migrate := flag.String("migrate", "", "run migrations: 'up' to apply, 'status' to show status")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "guildgate: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	logger := observability.NewLogger(observability.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})

	sentryEnabled := false
	if cfg.Sentry.DSN != "" {
		environment := cfg.Sentry.Environment
		if environment == "" {
			environment = "production"
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      environment,
			Release:          version,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "environment", environment, "release", version)
			sentryEnabled = true
		}
	}

	ctx := context.Background()
	stores, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage initialization failed", "error", err)
		os.Exit(1)
	}

	if *migrate != "" {
		runMigrationsCLI(ctx, logger, stores, *migrate)
		_ = stores.Close()
		return
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics("guildgate", version)
		logger.Info("metrics enabled", "version", version)
	} else {
		logger.Info("metrics disabled")
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		logger.Error("identity provider initialization failed", "error", err)
		_ = stores.Close()
		os.Exit(1)
	}

	policy := auth.Policy{
		OwnerGroup:        cfg.Roles.Owner,
		AdminGroup:        cfg.Roles.Admin,
		StaffGroup:        cfg.Roles.Staff,
		ApplicationsGroup: cfg.Roles.Applications,
		PermanentOwnerID:  cfg.Roles.PermanentOwnerID,
	}
	if policy.PermanentOwnerID != "" {
		logger.Info("permanent owner override active", "external_id", policy.PermanentOwnerID)
	}

	resolver := directory.New(directory.Config{
		GuildID:  cfg.Directory.GuildID,
		BotToken: cfg.Directory.BotToken,
		APIBase:  cfg.Directory.APIBase,
		Timeout:  cfg.Directory.Timeout,
	}, logger, metrics)
	if !cfg.DirectoryEnabled() {
		logger.Warn("guild role lookup disabled; every login maps to member unless overridden",
			"guild_id_set", cfg.Directory.GuildID != "",
			"bot_token_set", cfg.Directory.BotToken != "",
		)
	}

	cacheTTL := auth.DefaultAccountCacheTTL
	if cfg.SharedStorage() {
		cacheTTL = auth.NoAccountCache
		logger.Info("account cache disabled for shared storage", "storage", cfg.Storage.Driver)
	}
	deserializer := auth.NewDeserializer(stores.accounts, cacheTTL)
	reconciler := reconcile.New(stores.accounts,
		reconcile.WithAudit(stores.audit),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(metrics),
		reconcile.WithInvalidator(deserializer),
		reconcile.WithSessionRevoker(stores.sessions),
	)

	svc, err := gateway.New(gateway.Config{
		Provider:     provider,
		Directory:    resolver,
		Policy:       policy,
		Reconciler:   reconciler,
		Sessions:     stores.sessions,
		Deserializer: deserializer,
		Audit:        stores.audit,
		Logger:       logger,
		Metrics:      metrics,
		SessionTTL:   cfg.SessionTTL,
		StateSecret:  []byte(cfg.SessionSecret),
	})
	if err != nil {
		logger.Error("gateway initialization failed", "error", err)
		_ = stores.Close()
		os.Exit(1)
	}

	proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Error("invalid trusted proxies", "error", err)
		_ = stores.Close()
		os.Exit(1)
	}
	if len(proxies.CIDRs) > 0 {
		logger.Info("trusted proxies configured", "count", len(proxies.CIDRs))
	}

	srv, err := api.NewServer(api.Config{
		Login:          svc,
		Accounts:       stores.accounts,
		Audit:          stores.audit,
		Health:         stores.health,
		Logger:         logger,
		Metrics:        metrics,
		CookieSecure:   cfg.CookieSecure,
		LoginPerMinute: cfg.RateLimit.LoginPerMinute,
		TrustedProxies: proxies,
	})
	if err != nil {
		logger.Error("http server initialization failed", "error", err)
		_ = stores.Close()
		os.Exit(1)
	}

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	go runSessionCleanup(cleanupCtx, stores.sessions, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("guildgate listening",
			"addr", cfg.Addr,
			"provider", provider.Name(),
			"storage", cfg.Storage.Driver,
			"sessions", cfg.Sessions.Driver,
		)
		serverErrors <- server.ListenAndServe()
	}()

	exitCode := 0
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			exitCode = 1
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	}

	logger.Info("shutting down server", "timeout", shutdownTimeout.String())
	stopCleanup()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if err := stores.Close(); err != nil {
		logger.Error("error closing storage", "error", err)
	}
	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	logger.Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newProvider(ctx context.Context, cfg *config.Config) (identity.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderOIDC:
		return identity.NewOIDC(ctx, identity.OIDCConfig{
			IssuerURL:    cfg.Provider.IssuerURL,
			ClientID:     cfg.Provider.ClientID,
			ClientSecret: cfg.Provider.ClientSecret,
			RedirectURL:  cfg.Provider.CallbackURL,
			Timeout:      cfg.Provider.Timeout,
		})
	default:
		return identity.NewDiscord(identity.DiscordConfig{
			ClientID:     cfg.Provider.ClientID,
			ClientSecret: cfg.Provider.ClientSecret,
			RedirectURL:  cfg.Provider.CallbackURL,
			AuthURL:      cfg.Provider.AuthURL,
			TokenURL:     cfg.Provider.TokenURL,
			APIBase:      cfg.Provider.APIBase,
			Timeout:      cfg.Provider.Timeout,
		}), nil
	}
}

func runSessionCleanup(ctx context.Context, sessions auth.SessionStore, logger observability.Logger) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.Cleanup(ctx)
			if err != nil {
				logger.Warn("session cleanup error", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired sessions", "count", n)
			}
		}
	}
}

// runMigrationsCLI reports migration state. Opening the backends has
// already applied pending migrations, so "up" only reports the result.
func runMigrationsCLI(ctx context.Context, logger observability.Logger, stores *backends, cmd string) {
	switch cmd {
	case "up", "status":
		status, err := stores.status(ctx)
		if err != nil {
			logger.Error("migrations status failed", "error", err)
			return
		}
		logger.Info("migrations status", "status", status)
	default:
		logger.Warn("unknown migrate command", "command", cmd)
	}
}
