package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/notify"
)

// AuditEventVotePlaced is the audit log event written for each committed vote.
const AuditEventVotePlaced = "vote_placed"

// Alerter raises operator alerts. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// VoteConfig holds the ingestion rules.
type VoteConfig struct {
	// MaxAmount is the per-vote ceiling. Zero disables the ceiling.
	MaxAmount domain.Amount
	// AnonymousWallet replaces an empty wallet. Empty means the zero address.
	AnonymousWallet string
	// CanonicalWallets rewrites hex addresses to EIP-55 form.
	CanonicalWallets bool
	// NotifyTimeout bounds each post-commit publish.
	NotifyTimeout time.Duration
}

// VoteService validates votes, commits them to the ledger with a full pool
// recompute, and announces the committed state on the event bus.
type VoteService struct {
	ledger domain.LedgerStore
	bus    domain.EventBus
	audit  domain.AuditStore
	alerts Alerter
	cfg    VoteConfig
	logger *slog.Logger
	now    func() time.Time

	inflight sync.WaitGroup
}

// NewVoteService creates a VoteService. audit and alerts may be nil.
func NewVoteService(
	ledger domain.LedgerStore,
	bus domain.EventBus,
	audit domain.AuditStore,
	alerts Alerter,
	cfg VoteConfig,
	logger *slog.Logger,
) *VoteService {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	return &VoteService{
		ledger: ledger,
		bus:    bus,
		audit:  audit,
		alerts: alerts,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "vote_service")),
		now:    time.Now,
	}
}

// MaxAmount returns the configured per-vote ceiling.
func (s *VoteService) MaxAmount() domain.Amount {
	return s.cfg.MaxAmount
}

// PlaceVote records req as the wallet's only stake on the market and returns
// the committed market state.
//
// The market is checked once before the transaction to fail fast, and again
// under the row lock so a market that closes or expires in between is still
// rejected. A wallet voting again replaces its earlier vote.
func (s *VoteService) PlaceVote(ctx context.Context, req domain.VoteRequest) (domain.VoteResult, error) {
	if req.Choice != domain.ChoiceYes && req.Choice != domain.ChoiceNo {
		return domain.VoteResult{}, fmt.Errorf("vote_service: %w: %q", domain.ErrInvalidChoice, req.Choice)
	}
	if err := domain.CheckStake(req.Amount, s.cfg.MaxAmount); err != nil {
		return domain.VoteResult{}, fmt.Errorf("vote_service: %w", err)
	}
	req.Wallet = domain.NormalizeWallet(req.Wallet, s.cfg.AnonymousWallet, s.cfg.CanonicalWallets)

	m, err := s.ledger.GetMarket(ctx, req.MarketID)
	if err != nil {
		return domain.VoteResult{}, fmt.Errorf("vote_service: get market %s: %w", req.MarketID, err)
	}
	if err := m.CheckVotable(s.now()); err != nil {
		return domain.VoteResult{}, fmt.Errorf("vote_service: %w", err)
	}

	var (
		voteID    string
		committed domain.Market
		pools     domain.Pools
	)
	err = s.ledger.WithTx(ctx, func(tx domain.LedgerTx) error {
		locked, err := tx.LockMarket(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if err := locked.CheckVotable(s.now()); err != nil {
			return err
		}
		voteID, err = tx.UpsertVote(ctx, domain.Vote{
			MarketID: req.MarketID,
			Wallet:   req.Wallet,
			Choice:   req.Choice,
			Amount:   req.Amount,
		})
		if err != nil {
			return err
		}
		pools, err = tx.RecomputePools(ctx, req.MarketID)
		committed = locked
		return err
	})
	if err != nil {
		return domain.VoteResult{}, fmt.Errorf("vote_service: commit vote on %s: %w", req.MarketID, err)
	}

	// The response and the notification share this one post-commit read.
	// The vote is committed either way; when the read fails the totals the
	// transaction wrote stand in for it.
	snap, err := readSnapshot(ctx, s.ledger, req.MarketID)
	if err != nil {
		s.logger.WarnContext(ctx, "post-commit read failed, using transaction totals",
			slog.String("market_id", req.MarketID),
			slog.String("error", err.Error()),
		)
		committed.YesPool = pools.Yes
		committed.NoPool = pools.No
		committed.UpdatedAt = s.now().UTC()
		snap = domain.NewSnapshot(committed, pools.Votes)
	}

	res := domain.VoteResult{VoteID: voteID, Vote: req, Snapshot: snap}

	s.logger.InfoContext(ctx, "vote committed",
		slog.String("market_id", req.MarketID),
		slog.String("vote_id", voteID),
		slog.String("choice", string(req.Choice)),
		slog.String("amount", req.Amount.String()),
		slog.String("yes_pool", snap.YesPool.String()),
		slog.String("no_pool", snap.NoPool.String()),
	)

	s.recordAudit(ctx, res)
	s.announce(res)
	return res, nil
}

// Wait blocks until every in-flight notification has finished.
func (s *VoteService) Wait() {
	s.inflight.Wait()
}

func (s *VoteService) recordAudit(ctx context.Context, res domain.VoteResult) {
	if s.audit == nil {
		return
	}
	err := s.audit.Log(ctx, AuditEventVotePlaced, map[string]any{
		"vote_id":   res.VoteID,
		"market_id": res.Vote.MarketID,
		"wallet":    res.Vote.Wallet,
		"choice":    string(res.Vote.Choice),
		"amount":    res.Vote.Amount.String(),
		"yes_pool":  res.Snapshot.YesPool.String(),
		"no_pool":   res.Snapshot.NoPool.String(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("market_id", res.Vote.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// announce publishes the vote notification in the background. Its outcome
// never reaches the vote caller.
func (s *VoteService) announce(res domain.VoteResult) {
	payload, err := json.Marshal(domain.NewVoteEvent(res, s.now()))
	if err != nil {
		s.logger.Error("marshal vote event", slog.String("error", err.Error()))
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()

		var errs []error
		for _, topic := range []string{domain.MarketTopic(res.Vote.MarketID), domain.TopicVotes} {
			if err := s.bus.Publish(ctx, topic, payload); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			return
		}

		err := errors.Join(errs...)
		s.logger.WarnContext(ctx, "vote notification failed",
			slog.String("market_id", res.Vote.MarketID),
			slog.String("error", err.Error()),
		)
		if s.alerts != nil {
			_ = s.alerts.Notify(ctx, notify.EventBusUnavailable, "Vote notifications failing",
				fmt.Sprintf("publish for market %s failed: %v", res.Vote.MarketID, err))
		}
	}()
}

// readSnapshot reads a market and its vote count.
func readSnapshot(ctx context.Context, ledger domain.LedgerStore, marketID string) (domain.MarketSnapshot, error) {
	m, err := ledger.GetMarket(ctx, marketID)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	n, err := ledger.CountVotes(ctx, marketID)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	return domain.NewSnapshot(m, n), nil
}
