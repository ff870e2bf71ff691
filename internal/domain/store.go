package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerTx is the write side of the ledger, valid only inside
// LedgerStore.WithTx. All calls share one isolated transaction.
type LedgerTx interface {
	// LockMarket reads the market row and holds it exclusively until the
	// transaction ends, so votes on the same market serialize here.
	LockMarket(ctx context.Context, marketID string) (Market, error)
	// UpsertVote inserts the vote or, when the wallet already voted on the
	// market, overwrites its choice and amount. It returns the stored vote id.
	UpsertVote(ctx context.Context, v Vote) (string, error)
	// RecomputePools sums every recorded vote per side and writes the
	// totals onto the market row.
	RecomputePools(ctx context.Context, marketID string) (Pools, error)
}

// Pools is a market's recomputed state as seen inside the transaction.
type Pools struct {
	Yes   Amount
	No    Amount
	Votes int64
}

// LedgerStore is the source of truth for markets and votes.
type LedgerStore interface {
	// WithTx runs fn in a single transaction. Any error from fn or from the
	// commit rolls back everything fn wrote.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetMarket(ctx context.Context, id string) (Market, error)
	// ListMarkets returns every market, newest first.
	ListMarkets(ctx context.Context) ([]Market, error)
	CountVotes(ctx context.Context, marketID string) (int64, error)
	// VoteCounts returns the number of live votes keyed by market id.
	VoteCounts(ctx context.Context) (map[string]int64, error)
	ListVotesByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Vote, error)
	ListVotesByWallet(ctx context.Context, wallet string, opts ListOpts) ([]WalletVote, error)
	// EnsureMarket inserts m when no market with its id exists. Existing
	// rows, pools included, are left untouched. It reports whether a row was
	// created.
	EnsureMarket(ctx context.Context, m Market) (bool, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
