package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/polypool/internal/domain"
)

// Vote listing bounds.
const (
	DefaultVoteListLimit = 100
	MaxVoteListLimit     = 500
)

// MarketStats is a snapshot plus time-to-close figures.
type MarketStats struct {
	domain.MarketSnapshot
	DaysRemaining int
	EndsIn        string
}

// MarketService serves read-side views of the ledger. Every read goes to the
// ledger store; nothing is cached.
type MarketService struct {
	ledger domain.LedgerStore
	logger *slog.Logger
	now    func() time.Time
}

// NewMarketService creates a MarketService.
func NewMarketService(ledger domain.LedgerStore, logger *slog.Logger) *MarketService {
	return &MarketService{
		ledger: ledger,
		logger: logger.With(slog.String("component", "market_service")),
		now:    time.Now,
	}
}

// Snapshot returns the committed market with derived totals.
func (s *MarketService) Snapshot(ctx context.Context, id string) (domain.MarketSnapshot, error) {
	snap, err := readSnapshot(ctx, s.ledger, id)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("market_service: snapshot %s: %w", id, err)
	}
	return snap, nil
}

// ListSnapshots returns every market, newest first, with derived totals.
func (s *MarketService) ListSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error) {
	markets, err := s.ledger.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: list markets: %w", err)
	}
	counts, err := s.ledger.VoteCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: vote counts: %w", err)
	}

	out := make([]domain.MarketSnapshot, 0, len(markets))
	for _, m := range markets {
		out = append(out, domain.NewSnapshot(m, counts[m.ID]))
	}
	return out, nil
}

// Stats returns a snapshot with whole days left until the market ends.
func (s *MarketService) Stats(ctx context.Context, id string) (MarketStats, error) {
	snap, err := s.Snapshot(ctx, id)
	if err != nil {
		return MarketStats{}, err
	}
	days := DaysRemaining(snap.EndDate, s.now())
	return MarketStats{
		MarketSnapshot: snap,
		DaysRemaining:  days,
		EndsIn:         fmt.Sprintf("%d days", days),
	}, nil
}

// DaysRemaining is the number of whole days from now until end, never
// negative.
func DaysRemaining(end, now time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d.Hours() / 24))
}

// MarketVotes lists a market's votes, newest first. Unknown markets return
// domain.ErrNotFound.
func (s *MarketService) MarketVotes(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Vote, error) {
	if _, err := s.ledger.GetMarket(ctx, id); err != nil {
		return nil, fmt.Errorf("market_service: votes for %s: %w", id, err)
	}
	votes, err := s.ledger.ListVotesByMarket(ctx, id, clampListOpts(opts))
	if err != nil {
		return nil, fmt.Errorf("market_service: votes for %s: %w", id, err)
	}
	return votes, nil
}

// WalletVotes lists a wallet's votes across markets, newest first. The
// wallet key is normalised the same way votes are stored.
func (s *MarketService) WalletVotes(ctx context.Context, wallet string, canonical bool, opts domain.ListOpts) ([]domain.WalletVote, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("market_service: %w: empty wallet", domain.ErrNotFound)
	}
	key := domain.NormalizeWallet(wallet, "", canonical)
	votes, err := s.ledger.ListVotesByWallet(ctx, key, clampListOpts(opts))
	if err != nil {
		return nil, fmt.Errorf("market_service: votes for wallet: %w", err)
	}
	return votes, nil
}

// EnsureMarkets inserts each market that does not exist yet. Existing
// markets, including their pools, are left alone.
func (s *MarketService) EnsureMarkets(ctx context.Context, markets []domain.Market) (int, error) {
	created := 0
	for _, m := range markets {
		ok, err := s.ledger.EnsureMarket(ctx, m)
		if err != nil {
			return created, fmt.Errorf("market_service: ensure market %s: %w", m.ID, err)
		}
		if ok {
			created++
			s.logger.InfoContext(ctx, "market created",
				slog.String("market_id", m.ID),
				slog.String("status", string(m.Status)),
				slog.Time("end_date", m.EndDate),
			)
		}
	}
	return created, nil
}

func clampListOpts(opts domain.ListOpts) domain.ListOpts {
	if opts.Limit <= 0 {
		opts.Limit = DefaultVoteListLimit
	}
	if opts.Limit > MaxVoteListLimit {
		opts.Limit = MaxVoteListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}
