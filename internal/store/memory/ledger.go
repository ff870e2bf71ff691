// Package memory implements the ledger in process memory. It serves
// standalone runs and tests; the postgres package is the durable backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polypool/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)

// LedgerStore keeps markets and votes in maps. Writes go through WithTx,
// which stages changes and applies them only when the callback succeeds.
type LedgerStore struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
	votes   map[string]map[string]domain.Vote // market id -> wallet -> vote

	lockMu sync.Mutex
	locks  map[string]marketLock

	now func() time.Time
}

// NewLedgerStore creates an empty in-memory ledger.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		markets: make(map[string]domain.Market),
		votes:   make(map[string]map[string]domain.Vote),
		locks:   make(map[string]marketLock),
		now:     time.Now,
	}
}

// marketLock is a per-market exclusive lock. Holding it means owning the
// one slot in the channel, so waiters can also select on a context.
type marketLock chan struct{}

// acquire takes the lock, giving up when ctx is done first.
func (l marketLock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l marketLock) release() { <-l }

func (s *LedgerStore) marketLock(id string) marketLock {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = make(marketLock, 1)
		s.locks[id] = l
	}
	return l
}

// WithTx runs fn against a staged transaction. Market locks taken by fn are
// held until the staged writes are applied or discarded.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx := &ledgerTx{
		store:   s,
		locked:  make(map[string]marketLock),
		markets: make(map[string]domain.Market),
		votes:   make(map[string]map[string]domain.Vote),
	}
	defer tx.release()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: commit tx: %w", err)
	}
	tx.commit()
	return nil
}

// GetMarket returns the committed market row.
func (s *LedgerStore) GetMarket(_ context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: get market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

// ListMarkets returns every market, newest first.
func (s *LedgerStore) ListMarkets(_ context.Context) ([]domain.Market, error) {
	s.mu.RLock()
	out := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CountVotes returns the number of live votes on a market.
func (s *LedgerStore) CountVotes(_ context.Context, marketID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.votes[marketID])), nil
}

// VoteCounts returns the number of live votes per market.
func (s *LedgerStore) VoteCounts(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.votes))
	for id, byWallet := range s.votes {
		out[id] = int64(len(byWallet))
	}
	return out, nil
}

// ListVotesByMarket returns a market's votes, most recently updated first.
func (s *LedgerStore) ListVotesByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Vote, error) {
	s.mu.RLock()
	out := make([]domain.Vote, 0, len(s.votes[marketID]))
	for _, v := range s.votes[marketID] {
		if inWindow(v.UpdatedAt, opts) {
			out = append(out, v)
		}
	}
	s.mu.RUnlock()

	sortVotes(out, func(i int) domain.Vote { return out[i] })
	return page(out, opts), nil
}

// ListVotesByWallet returns a wallet's votes across markets, most recently
// updated first.
func (s *LedgerStore) ListVotesByWallet(_ context.Context, wallet string, opts domain.ListOpts) ([]domain.WalletVote, error) {
	s.mu.RLock()
	var out []domain.WalletVote
	for marketID, byWallet := range s.votes {
		v, ok := byWallet[wallet]
		if !ok || !inWindow(v.UpdatedAt, opts) {
			continue
		}
		out = append(out, domain.WalletVote{Vote: v, Question: s.markets[marketID].Question})
	}
	s.mu.RUnlock()

	sortVotes(out, func(i int) domain.Vote { return out[i].Vote })
	return page(out, opts), nil
}

// EnsureMarket inserts m unless a market with the same id exists.
func (s *LedgerStore) EnsureMarket(_ context.Context, m domain.Market) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return false, nil
	}
	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	s.markets[m.ID] = m
	return true, nil
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func sortVotes[T any](s []T, at func(int) domain.Vote) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := at(i), at(j)
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.ID < b.ID
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
}

func page[T any](s []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(s) {
			return []T{}
		}
		s = s[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(s) {
		s = s[:opts.Limit]
	}
	return s
}

// ledgerTx stages market and vote writes until commit.
type ledgerTx struct {
	store   *LedgerStore
	locked  map[string]marketLock
	markets map[string]domain.Market
	votes   map[string]map[string]domain.Vote
}

// LockMarket takes the market's exclusive lock for the rest of the
// transaction and returns its current row.
func (tx *ledgerTx) LockMarket(ctx context.Context, marketID string) (domain.Market, error) {
	if m, ok := tx.markets[marketID]; ok {
		return m, nil
	}
	if _, ok := tx.locked[marketID]; !ok {
		l := tx.store.marketLock(marketID)
		if err := l.acquire(ctx); err != nil {
			return domain.Market{}, fmt.Errorf("memory: lock market %s: %w", marketID, err)
		}
		tx.locked[marketID] = l
	}

	m, err := tx.store.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	tx.markets[marketID] = m
	return m, nil
}

// UpsertVote stages a vote. A wallet that already voted keeps its id and
// creation time.
func (tx *ledgerTx) UpsertVote(_ context.Context, v domain.Vote) (string, error) {
	if _, ok := tx.locked[v.MarketID]; !ok {
		return "", fmt.Errorf("memory: upsert vote: market %s not locked: %w", v.MarketID, domain.ErrInvalidState)
	}
	now := tx.store.now().UTC()

	existing, ok := tx.staged(v.MarketID, v.Wallet)
	if ok {
		v.ID = existing.ID
		v.CreatedAt = existing.CreatedAt
	} else {
		v.ID = uuid.NewString()
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	byWallet, ok := tx.votes[v.MarketID]
	if !ok {
		byWallet = make(map[string]domain.Vote)
		tx.votes[v.MarketID] = byWallet
	}
	byWallet[v.Wallet] = v
	return v.ID, nil
}

// RecomputePools sums the committed votes overlaid with the staged ones and
// stages the totals onto the market row.
func (tx *ledgerTx) RecomputePools(ctx context.Context, marketID string) (domain.Pools, error) {
	m, ok := tx.markets[marketID]
	if !ok {
		return domain.Pools{}, fmt.Errorf("memory: recompute pools: market %s not locked: %w", marketID, domain.ErrInvalidState)
	}

	var p domain.Pools
	add := func(v domain.Vote) {
		p.Votes++
		switch v.Choice {
		case domain.ChoiceYes:
			p.Yes += v.Amount
		case domain.ChoiceNo:
			p.No += v.Amount
		}
	}

	staged := tx.votes[marketID]
	tx.store.mu.RLock()
	for wallet, v := range tx.store.votes[marketID] {
		if _, ok := staged[wallet]; ok {
			continue
		}
		add(v)
	}
	tx.store.mu.RUnlock()
	for _, v := range staged {
		add(v)
	}

	m.YesPool = p.Yes
	m.NoPool = p.No
	m.UpdatedAt = tx.store.now().UTC()
	tx.markets[marketID] = m
	return p, ctx.Err()
}

func (tx *ledgerTx) staged(marketID, wallet string) (domain.Vote, bool) {
	if v, ok := tx.votes[marketID][wallet]; ok {
		return v, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	v, ok := tx.store.votes[marketID][wallet]
	return v, ok
}

func (tx *ledgerTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for id, staged := range tx.votes {
		byWallet, ok := s.votes[id]
		if !ok {
			byWallet = make(map[string]domain.Vote, len(staged))
			s.votes[id] = byWallet
		}
		for wallet, v := range staged {
			byWallet[wallet] = v
		}
	}
}

func (tx *ledgerTx) release() {
	for _, l := range tx.locked {
		l.release()
	}
	tx.locked = nil
}
