package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/polypool/internal/config"
	"github.com/alanyoungcy/polypool/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Ledger.Backend = "memory"
	cfg.Bus.Backend = "local"
	return &cfg
}

func TestWire_LocalStack(t *testing.T) {
	cfg := localConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Ledger == nil || deps.Audit == nil || deps.Bus == nil {
		t.Fatalf("core dependencies missing: %+v", deps)
	}
	if deps.Postgres != nil || deps.RateLimiter != nil || deps.LockManager != nil || deps.Archiver != nil {
		t.Errorf("local stack wired external backends: %+v", deps)
	}
	if len(deps.Checks) != 0 {
		t.Errorf("Checks = %d, want none", len(deps.Checks))
	}
	if deps.Notifier.Enabled() {
		t.Error("notifier enabled without senders")
	}
}

func TestWire_LocalBusShutdownOnCleanup(t *testing.T) {
	deps, cleanup, err := Wire(context.Background(), localConfig(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	sub, err := deps.Bus.Subscribe(context.Background(), domain.TopicVotes)
	if err != nil {
		t.Fatal(err)
	}
	cleanup()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("unexpected payload")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription still open after cleanup")
	}
	if !errors.Is(sub.Err(), domain.ErrBusUnavailable) {
		t.Errorf("Err() = %v, want ErrBusUnavailable", sub.Err())
	}
}

func TestWire_UnknownBackend(t *testing.T) {
	cfg := localConfig()
	cfg.Ledger.Backend = "sqlite"
	if _, _, err := Wire(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error for unknown ledger backend")
	}
}

func TestMigrateMode_RequiresPostgres(t *testing.T) {
	a := New(localConfig(), discardLogger())
	if err := a.MigrateMode(context.Background(), &Dependencies{}); err == nil {
		t.Fatal("expected error without postgres")
	}
}

func TestArchiveMode_RequiresArchiver(t *testing.T) {
	a := New(localConfig(), discardLogger())
	if err := a.ArchiveMode(context.Background(), &Dependencies{}); err == nil {
		t.Fatal("expected error without archiver")
	}
}

func TestSeedMarkets(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	open := config.MarketSeed{ID: " btc-100k ", Question: "BTC over 100k?"}
	open.Duration.Duration = 30 * 24 * time.Hour
	closed := config.MarketSeed{ID: "eth", Question: "ETH flips?", Status: "closed"}
	closed.Duration.Duration = time.Hour

	got := seedMarkets([]config.MarketSeed{open, closed}, now)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	if got[0].ID != "btc-100k" {
		t.Errorf("ID = %q, want trimmed", got[0].ID)
	}
	if got[0].Status != domain.MarketStatusActive {
		t.Errorf("default status = %q, want ACTIVE", got[0].Status)
	}
	if !got[0].StartDate.Equal(now) || !got[0].EndDate.Equal(now.Add(30*24*time.Hour)) {
		t.Errorf("window = %v..%v", got[0].StartDate, got[0].EndDate)
	}
	if got[0].YesPool != 0 || got[0].NoPool != 0 {
		t.Errorf("seeded pools not empty: %d/%d", got[0].YesPool, got[0].NoPool)
	}
	if got[1].Status != domain.MarketStatusClosed {
		t.Errorf("status = %q, want CLOSED", got[1].Status)
	}
}

func TestVoteConfig(t *testing.T) {
	lc := config.Defaults().Ledger
	lc.MaxVoteAmount = 12.5
	vc, err := voteConfig(lc)
	if err != nil {
		t.Fatal(err)
	}
	if vc.MaxAmount != 12_500_000 {
		t.Errorf("MaxAmount = %d, want 12500000", vc.MaxAmount)
	}
	if !vc.CanonicalWallets {
		t.Error("CanonicalWallets should follow config")
	}

	lc.MaxVoteAmount = 0.0000001
	if _, err := voteConfig(lc); err == nil {
		t.Error("expected error for sub-micro ceiling")
	}
}
