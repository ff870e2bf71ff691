package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/alanyoungcy/polypool/internal/domain"
)

var _ domain.LedgerArchiver = (*LedgerArchiver)(nil)

const (
	jsonlContentType = "application/x-ndjson"

	// AuditEventLedgerArchived is logged once per archived market.
	AuditEventLedgerArchived = "ledger_archived"

	// defaultMultipartThreshold switches uploads to the multipart path.
	defaultMultipartThreshold = 8 * 1024 * 1024
)

// LedgerArchiver exports each market and its live votes as one JSONL object
// per market per day. Archiving never changes the ledger.
type LedgerArchiver struct {
	writer    domain.BlobWriter
	ledger    domain.LedgerStore
	audit     domain.AuditStore
	prefix    string
	threshold int
}

// NewLedgerArchiver creates a LedgerArchiver writing under prefix. audit may
// be nil.
func NewLedgerArchiver(writer domain.BlobWriter, ledger domain.LedgerStore, audit domain.AuditStore, prefix string) *LedgerArchiver {
	return &LedgerArchiver{
		writer:    writer,
		ledger:    ledger,
		audit:     audit,
		prefix:    prefix,
		threshold: defaultMultipartThreshold,
	}
}

// marketRecord is the first line of every object. Amounts are exact decimal
// strings.
type marketRecord struct {
	Kind       string    `json:"kind"`
	ArchivedAt time.Time `json:"archived_at"`
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Status     string    `json:"status"`
	Winner     string    `json:"winner,omitempty"`
	YesPool    string    `json:"yes_pool"`
	NoPool     string    `json:"no_pool"`
	TotalPool  string    `json:"total_pool"`
	YesPercent float64   `json:"yes_percent"`
	NoPercent  float64   `json:"no_percent"`
	TotalBets  int64     `json:"total_bets"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
}

// voteRecord is one line per live vote.
type voteRecord struct {
	Kind      string    `json:"kind"`
	VoteID    string    `json:"vote_id"`
	MarketID  string    `json:"market_id"`
	Wallet    string    `json:"wallet"`
	Choice    string    `json:"choice"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArchiveLedger writes every market as of at and returns the number of votes
// exported. It stops at the first failed market; objects already written
// stay in place and are overwritten by the next run for the same day.
func (a *LedgerArchiver) ArchiveLedger(ctx context.Context, at time.Time) (int64, error) {
	markets, err := a.ledger.ListMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive list markets: %w", err)
	}

	var total int64
	for _, m := range markets {
		n, err := a.archiveMarket(ctx, m, at)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *LedgerArchiver) archiveMarket(ctx context.Context, m domain.Market, at time.Time) (int64, error) {
	// Limit zero reads every vote in one statement.
	votes, err := a.ledger.ListVotesByMarket(ctx, m.ID, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive votes for %s: %w", m.ID, err)
	}

	buf, err := encodeMarket(domain.NewSnapshot(m, int64(len(votes))), votes, at)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive encode %s: %w", m.ID, err)
	}

	key := archivePath(a.prefix, at, m.ID)
	if len(buf) >= a.threshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload %s: %w", m.ID, err)
	}

	count := int64(len(votes))
	if a.audit != nil {
		if err := a.audit.Log(ctx, AuditEventLedgerArchived, map[string]any{
			"path":      key,
			"market_id": m.ID,
			"votes":     count,
			"at":        at.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive audit log %s: %w", m.ID, err)
		}
	}
	return count, nil
}

func encodeMarket(s domain.MarketSnapshot, votes []domain.Vote, at time.Time) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	rec := marketRecord{
		Kind:       "market",
		ArchivedAt: at.UTC(),
		ID:         s.ID,
		Question:   s.Question,
		Status:     string(s.Status),
		YesPool:    s.YesPool.String(),
		NoPool:     s.NoPool.String(),
		TotalPool:  s.TotalPool.String(),
		YesPercent: s.YesPercent,
		NoPercent:  s.NoPercent,
		TotalBets:  s.TotalBets,
		StartDate:  s.StartDate.UTC(),
		EndDate:    s.EndDate.UTC(),
	}
	if s.Winner != nil {
		rec.Winner = string(*s.Winner)
	}
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}

	for _, v := range votes {
		if err := enc.Encode(voteRecord{
			Kind:      "vote",
			VoteID:    v.ID,
			MarketID:  v.MarketID,
			Wallet:    v.Wallet,
			Choice:    string(v.Choice),
			Amount:    v.Amount.String(),
			CreatedAt: v.CreatedAt.UTC(),
			UpdatedAt: v.UpdatedAt.UTC(),
		}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath builds the object key for one market's export:
//
//	ledger/2026/03/01/btc-100k.jsonl
func archivePath(prefix string, at time.Time, marketID string) string {
	day := at.UTC().Format("2006/01/02")
	return path.Join(prefix, day, url.PathEscape(marketID)+".jsonl")
}
