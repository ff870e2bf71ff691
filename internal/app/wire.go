package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polypool/internal/blob/s3"
	membus "github.com/alanyoungcy/polypool/internal/cache/memory"
	"github.com/alanyoungcy/polypool/internal/cache/redis"
	"github.com/alanyoungcy/polypool/internal/config"
	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/notify"
	"github.com/alanyoungcy/polypool/internal/server/handler"
	memstore "github.com/alanyoungcy/polypool/internal/store/memory"
	"github.com/alanyoungcy/polypool/internal/store/postgres"
)

// Dependencies bundles every backend the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Postgres is set only for the postgres ledger backend.
	Postgres *postgres.Client

	Ledger domain.LedgerStore
	Audit  domain.AuditStore

	Bus         domain.EventBus
	RateLimiter domain.RateLimiter // nil unless the bus is Redis
	LockManager domain.LockManager // nil without Redis

	// Archiver is set when archiving is enabled or the mode is archive.
	Archiver domain.LedgerArchiver

	Notifier *notify.Notifier

	// Checks are the dependency probes reported by /api/health.
	Checks []handler.Check
}

// needsS3 reports whether the configuration exports the ledger.
func needsS3(cfg *config.Config) bool {
	return cfg.Archive.Enabled || cfg.Mode == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Ledger ---
	switch cfg.Ledger.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations && cfg.Mode != "migrate" {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "migrations applied", slog.Any("files", applied))
			}
		}

		deps.Postgres = pgClient
		deps.Ledger = postgres.NewLedgerStore(pgClient.Pool())
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Ping: pgClient.Ping})
	case "memory":
		logger.WarnContext(ctx, "using in-memory ledger; votes are lost on restart")
		deps.Ledger = memstore.NewLedgerStore()
		deps.Audit = memstore.NewAuditStore()
	default:
		return nil, nil, fmt.Errorf("wire: unknown ledger backend %q", cfg.Ledger.Backend)
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		c, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = c.Close() })
		redisClient = c

		// Vote limiting follows the bus backend so a local stack stays
		// free of Redis on the request path.
		if cfg.Bus.Backend == "redis" {
			deps.RateLimiter = redis.NewRateLimiter(c)
		}
		deps.LockManager = redis.NewLockManager(c)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Ping: c.Ping})
	}

	// --- Event bus ---
	switch cfg.Bus.Backend {
	case "redis":
		deps.Bus = redis.NewEventBus(redisClient,
			redis.WithBuffer(cfg.Bus.Buffer),
			redis.WithHealthInterval(cfg.Bus.StreamPollInterval.Duration),
		)
	case "local":
		bus := membus.NewEventBus(cfg.Bus.Buffer)
		closers = append(closers, bus.Shutdown)
		deps.Bus = bus
	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unknown bus backend %q", cfg.Bus.Backend)
	}

	// --- S3 ledger archive ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewLedgerArchiver(s3blob.NewWriter(s3Client), deps.Ledger, deps.Audit, cfg.Archive.Prefix)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Ping: s3Client.Ping})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
