package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polypool/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const marketColumns = `id, question, status, winner, yes_pool, no_pool, start_date, end_date, created_at, updated_at`

// WithTx runs fn inside a READ COMMITTED transaction. Writers serialize on
// the market row lock taken by LockMarket, so the recompute inside fn always
// sees every vote committed before it.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit tx", err)
	}
	return nil
}

// GetMarket returns a market by id.
func (s *LedgerStore) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return domain.Market{}, wrapErr("get market "+id, err)
	}
	return m, nil
}

// ListMarkets returns every market, newest first.
func (s *LedgerStore) ListMarkets(ctx context.Context) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, wrapErr("list markets", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, wrapErr("scan market", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list markets rows", err)
	}
	return out, nil
}

// CountVotes returns the number of live votes on a market.
func (s *LedgerStore) CountVotes(ctx context.Context, marketID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM votes WHERE market_id = $1`, marketID).Scan(&n)
	if err != nil {
		return 0, wrapErr("count votes "+marketID, err)
	}
	return n, nil
}

// VoteCounts returns the number of live votes per market.
func (s *LedgerStore) VoteCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT market_id, COUNT(*) FROM votes GROUP BY market_id`)
	if err != nil {
		return nil, wrapErr("vote counts", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, wrapErr("scan vote count", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("vote counts rows", err)
	}
	return out, nil
}

// ListVotesByMarket returns a market's votes, most recently updated first.
func (s *LedgerStore) ListVotesByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Vote, error) {
	query, args := listQuery(
		`SELECT v.id, v.market_id, v.wallet, v.choice, v.amount, v.created_at, v.updated_at
		   FROM votes v WHERE v.market_id = $1`,
		[]any{marketID}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list votes for "+marketID, err)
	}
	defer rows.Close()

	var out []domain.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, wrapErr("scan vote", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list votes rows", err)
	}
	return out, nil
}

// ListVotesByWallet returns a wallet's votes joined with market questions,
// most recently updated first.
func (s *LedgerStore) ListVotesByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.WalletVote, error) {
	query, args := listQuery(
		`SELECT v.id, v.market_id, v.wallet, v.choice, v.amount, v.created_at, v.updated_at, m.question
		   FROM votes v JOIN markets m ON m.id = v.market_id
		  WHERE v.wallet = $1`,
		[]any{wallet}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list votes for wallet", err)
	}
	defer rows.Close()

	var out []domain.WalletVote
	for rows.Next() {
		var (
			wv     domain.WalletVote
			choice string
			amount int64
		)
		if err := rows.Scan(&wv.ID, &wv.MarketID, &wv.Wallet, &choice, &amount,
			&wv.CreatedAt, &wv.UpdatedAt, &wv.Question); err != nil {
			return nil, wrapErr("scan wallet vote", err)
		}
		wv.Choice = domain.Choice(choice)
		wv.Amount = domain.Amount(amount)
		out = append(out, wv)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list wallet votes rows", err)
	}
	return out, nil
}

// EnsureMarket inserts m when its id is free. Existing rows are untouched.
func (s *LedgerStore) EnsureMarket(ctx context.Context, m domain.Market) (bool, error) {
	const query = `
		INSERT INTO markets (id, question, status, winner, yes_pool, no_pool, start_date, end_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, COALESCE($7, NOW()), NOW())
		ON CONFLICT (id) DO NOTHING`

	var winner *string
	if m.Winner != nil {
		w := string(*m.Winner)
		winner = &w
	}
	var createdAt *time.Time
	if !m.CreatedAt.IsZero() {
		createdAt = &m.CreatedAt
	}
	start := m.StartDate
	if start.IsZero() {
		start = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, query, m.ID, m.Question, string(m.Status), winner, start, m.EndDate, createdAt)
	if err != nil {
		return false, wrapErr("ensure market "+m.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ledgerTx is the write side of one ledger transaction.
type ledgerTx struct {
	tx pgx.Tx
}

// LockMarket reads the market row with FOR UPDATE.
func (t *ledgerTx) LockMarket(ctx context.Context, marketID string) (domain.Market, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, marketID)
	m, err := scanMarket(row)
	if err != nil {
		return domain.Market{}, wrapErr("lock market "+marketID, err)
	}
	return m, nil
}

// UpsertVote inserts or replaces the wallet's vote on the market. A replaced
// vote keeps its id and created_at.
func (t *ledgerTx) UpsertVote(ctx context.Context, v domain.Vote) (string, error) {
	const query = `
		INSERT INTO votes (id, market_id, wallet, choice, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (market_id, wallet) DO UPDATE SET
			choice     = EXCLUDED.choice,
			amount     = EXCLUDED.amount,
			updated_at = NOW()
		RETURNING id`

	var id string
	err := t.tx.QueryRow(ctx, query,
		uuid.NewString(), v.MarketID, v.Wallet, string(v.Choice), int64(v.Amount),
	).Scan(&id)
	if err != nil {
		return "", wrapErr("upsert vote "+v.MarketID, err)
	}
	return id, nil
}

// RecomputePools rewrites both pools from the full vote set in one statement.
func (t *ledgerTx) RecomputePools(ctx context.Context, marketID string) (domain.Pools, error) {
	const query = `
		WITH totals AS (
			SELECT
				COALESCE(SUM(amount) FILTER (WHERE choice = 'YES'), 0)::BIGINT AS yes,
				COALESCE(SUM(amount) FILTER (WHERE choice = 'NO'), 0)::BIGINT  AS no,
				COUNT(*) AS votes
			FROM votes WHERE market_id = $1
		)
		UPDATE markets SET
			yes_pool = totals.yes,
			no_pool = totals.no,
			updated_at = NOW()
		FROM totals
		WHERE markets.id = $1
		RETURNING markets.yes_pool, markets.no_pool, totals.votes`

	var yes, no, votes int64
	if err := t.tx.QueryRow(ctx, query, marketID).Scan(&yes, &no, &votes); err != nil {
		return domain.Pools{}, wrapErr("recompute pools "+marketID, err)
	}
	return domain.Pools{Yes: domain.Amount(yes), No: domain.Amount(no), Votes: votes}, nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m       domain.Market
		status  string
		winner  *string
		yes, no int64
	)
	err := row.Scan(&m.ID, &m.Question, &status, &winner, &yes, &no,
		&m.StartDate, &m.EndDate, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if winner != nil {
		c := domain.Choice(*winner)
		m.Winner = &c
	}
	m.YesPool = domain.Amount(yes)
	m.NoPool = domain.Amount(no)
	return m, nil
}

func scanVote(row pgx.Row) (domain.Vote, error) {
	var (
		v      domain.Vote
		choice string
		amount int64
	)
	if err := row.Scan(&v.ID, &v.MarketID, &v.Wallet, &choice, &amount, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return domain.Vote{}, err
	}
	v.Choice = domain.Choice(choice)
	v.Amount = domain.Amount(amount)
	return v, nil
}

// listQuery appends the time window, ordering, and paging of opts to a vote
// query whose existing placeholders are args.
func listQuery(base string, args []any, opts domain.ListOpts) (string, []any) {
	query := base
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND v.updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND v.updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY v.updated_at DESC, v.id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
