package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polypool/internal/config"
	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/pipeline"
	"github.com/alanyoungcy/polypool/internal/server"
	"github.com/alanyoungcy/polypool/internal/server/handler"
	"github.com/alanyoungcy/polypool/internal/server/ws"
	"github.com/alanyoungcy/polypool/internal/service"
)

// shutdownTimeout bounds draining HTTP requests and stream sessions.
const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP and streaming API. When archiving is enabled the
// archive loop runs alongside it.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	marketSvc := service.NewMarketService(deps.Ledger, a.logger)
	created, err := marketSvc.EnsureMarkets(ctx, seedMarkets(a.cfg.Markets, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("server mode: bootstrap markets: %w", err)
	}
	if created > 0 {
		a.logger.InfoContext(ctx, "markets bootstrapped", slog.Int("created", created))
	}

	voteCfg, err := voteConfig(a.cfg.Ledger)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	// A nil *Notifier must not reach the interface.
	var alerts service.Alerter
	if deps.Notifier.Enabled() {
		alerts = deps.Notifier
	}
	voteSvc := service.NewVoteService(deps.Ledger, deps.Bus, deps.Audit, alerts, voteCfg, a.logger)

	hub := ws.NewHub(deps.Bus, marketSvc, ws.Config{
		PollInterval:   a.cfg.Bus.StreamPollInterval.Duration,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)

	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKey:         a.cfg.Server.APIKey,
		VoteRateLimit:  a.cfg.Server.VoteRateLimit,
		VoteRateWindow: a.cfg.Server.VoteRateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, hub.Sessions, a.logger),
		Markets: handler.NewMarketHandler(marketSvc, voteCfg.CanonicalWallets, a.logger),
		Votes:   handler.NewVoteHandler(voteSvc, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		// Post-commit publishes still hold the bus and ledger.
		voteSvc.Wait()
		return err
	})

	if a.cfg.Archive.Enabled {
		archiver := a.newArchiveLoop(deps)
		g.Go(func() error {
			return archiver.RunLoop(gctx)
		})
	}

	return g.Wait()
}

// ArchiveMode runs only the periodic ledger export.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("archive mode: archiver not wired")
	}
	return a.newArchiveLoop(deps).RunLoop(ctx)
}

// MigrateMode applies pending schema migrations and exits.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	if deps.Postgres == nil {
		return errors.New("migrate mode: requires the postgres ledger backend")
	}
	applied, err := deps.Postgres.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migrate mode: %w", err)
	}
	a.logger.InfoContext(ctx, "migrations complete", slog.Int("applied", len(applied)), slog.Any("files", applied))
	return nil
}

func (a *App) newArchiveLoop(deps *Dependencies) *pipeline.Archiver {
	var alerts pipeline.Alerter
	if deps.Notifier.Enabled() {
		alerts = deps.Notifier
	}
	return pipeline.NewArchiver(deps.Archiver, deps.LockManager, alerts, pipeline.ArchiveConfig{
		Interval: a.cfg.Archive.Interval.Duration,
		LockTTL:  a.cfg.Archive.LockTTL.Duration,
	}, a.logger)
}

// voteConfig converts the ledger section into service rules.
func voteConfig(cfg config.LedgerConfig) (service.VoteConfig, error) {
	ceiling, err := domain.AmountFromDecimal(decimal.NewFromFloat(cfg.MaxVoteAmount))
	if err != nil {
		return service.VoteConfig{}, fmt.Errorf("ledger.max_vote_amount: %w", err)
	}
	return service.VoteConfig{
		MaxAmount:        ceiling,
		AnonymousWallet:  cfg.AnonymousWallet,
		CanonicalWallets: cfg.CanonicalizeWallets,
		NotifyTimeout:    cfg.NotifyTimeout.Duration,
	}, nil
}

// seedMarkets turns configured seeds into markets opening at now. A seed
// without a status opens ACTIVE.
func seedMarkets(seeds []config.MarketSeed, now time.Time) []domain.Market {
	markets := make([]domain.Market, 0, len(seeds))
	for _, s := range seeds {
		status := domain.MarketStatus(strings.ToUpper(strings.TrimSpace(s.Status)))
		if status == "" {
			status = domain.MarketStatusActive
		}
		markets = append(markets, domain.Market{
			ID:        strings.TrimSpace(s.ID),
			Question:  s.Question,
			Status:    status,
			StartDate: now,
			EndDate:   now.Add(s.Duration.Duration),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return markets
}
