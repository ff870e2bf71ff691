package domain

import (
	"fmt"
	"strings"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "ACTIVE"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
)

// Valid reports whether s is one of the known statuses.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusActive, MarketStatusClosed, MarketStatusResolved:
		return true
	}
	return false
}

// Choice is one side of a binary market.
type Choice string

const (
	ChoiceYes Choice = "YES"
	ChoiceNo  Choice = "NO"
)

// ParseChoice accepts "YES" or "NO" in any letter case.
func ParseChoice(s string) (Choice, error) {
	switch Choice(strings.ToUpper(strings.TrimSpace(s))) {
	case ChoiceYes:
		return ChoiceYes, nil
	case ChoiceNo:
		return ChoiceNo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChoice, s)
}

// Market is a binary YES/NO prediction question with pooled stakes.
//
// YesPool and NoPool always equal the sum of the recorded votes per side.
// They are written only by the ledger's recompute step.
type Market struct {
	ID        string
	Question  string
	Status    MarketStatus
	Winner    *Choice // set only when Status is RESOLVED
	YesPool   Amount
	NoPool    Amount
	StartDate time.Time
	EndDate   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckVotable returns ErrInvalidState when the market is not ACTIVE and
// ErrExpired when now is past the market's end time.
func (m Market) CheckVotable(now time.Time) error {
	if m.Status != MarketStatusActive {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, m.ID, m.Status)
	}
	if now.After(m.EndDate) {
		return fmt.Errorf("%w: %s ended at %s", ErrExpired, m.ID, m.EndDate.UTC().Format(time.RFC3339))
	}
	return nil
}

// Projection derives the display aggregates from the market's pools.
func (m Market) Projection() Projection {
	return Project(m.YesPool, m.NoPool)
}

// MarketSnapshot is a market together with its derived aggregates and the
// number of live votes on record.
type MarketSnapshot struct {
	Market
	Projection
	TotalBets int64
}

// NewSnapshot builds a MarketSnapshot from a committed market row.
func NewSnapshot(m Market, totalBets int64) MarketSnapshot {
	return MarketSnapshot{
		Market:     m,
		Projection: m.Projection(),
		TotalBets:  totalBets,
	}
}
