// Package view holds the JSON shapes served over HTTP and websocket. Amounts
// leave the fixed-point domain here and only here.
package view

import (
	"time"

	"github.com/alanyoungcy/polypool/internal/domain"
)

// Market is the wire form of a market snapshot.
type Market struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Status     string    `json:"status"`
	Winner     *string   `json:"winner"`
	YesPool    float64   `json:"yes_pool"`
	NoPool     float64   `json:"no_pool"`
	TotalPool  float64   `json:"total_pool"`
	YesPercent float64   `json:"yes_percent"`
	NoPercent  float64   `json:"no_percent"`
	TotalBets  int64     `json:"total_bets"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
}

// NewMarket converts a snapshot.
func NewMarket(s domain.MarketSnapshot) Market {
	var winner *string
	if s.Winner != nil {
		w := string(*s.Winner)
		winner = &w
	}
	return Market{
		ID:         s.ID,
		Question:   s.Question,
		Status:     string(s.Status),
		Winner:     winner,
		YesPool:    s.YesPool.Float64(),
		NoPool:     s.NoPool.Float64(),
		TotalPool:  s.TotalPool.Float64(),
		YesPercent: s.YesPercent,
		NoPercent:  s.NoPercent,
		TotalBets:  s.TotalBets,
		StartDate:  s.StartDate.UTC(),
		EndDate:    s.EndDate.UTC(),
	}
}

// NewMarkets converts a list of snapshots.
func NewMarkets(snaps []domain.MarketSnapshot) []Market {
	out := make([]Market, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, NewMarket(s))
	}
	return out
}

// MarketStats is a market with time-to-close figures.
type MarketStats struct {
	MarketID      string  `json:"market_id"`
	Question      string  `json:"question"`
	Status        string  `json:"status"`
	YesPool       float64 `json:"yes_pool"`
	NoPool        float64 `json:"no_pool"`
	TotalPool     float64 `json:"total_pool"`
	YesPercent    float64 `json:"yes_percent"`
	NoPercent     float64 `json:"no_percent"`
	TotalBets     int64   `json:"total_bets"`
	DaysRemaining int     `json:"days_remaining"`
	EndsIn        string  `json:"ends_in"`
}

// Vote is a vote as listed under a market.
type Vote struct {
	VoteID        string    `json:"vote_id"`
	WalletAddress string    `json:"wallet_address"`
	Choice        string    `json:"choice"`
	Amount        float64   `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewVotes converts a market's votes.
func NewVotes(votes []domain.Vote) []Vote {
	out := make([]Vote, 0, len(votes))
	for _, v := range votes {
		out = append(out, Vote{
			VoteID:        v.ID,
			WalletAddress: v.Wallet,
			Choice:        string(v.Choice),
			Amount:        v.Amount.Float64(),
			CreatedAt:     v.CreatedAt.UTC(),
			UpdatedAt:     v.UpdatedAt.UTC(),
		})
	}
	return out
}

// WalletVote is a vote as listed under a wallet.
type WalletVote struct {
	VoteID         string    `json:"vote_id"`
	MarketID       string    `json:"market_id"`
	MarketQuestion string    `json:"market_question"`
	Choice         string    `json:"choice"`
	Amount         float64   `json:"amount"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewWalletVotes converts a wallet's votes.
func NewWalletVotes(votes []domain.WalletVote) []WalletVote {
	out := make([]WalletVote, 0, len(votes))
	for _, v := range votes {
		out = append(out, WalletVote{
			VoteID:         v.ID,
			MarketID:       v.MarketID,
			MarketQuestion: v.Question,
			Choice:         string(v.Choice),
			Amount:         v.Amount.Float64(),
			CreatedAt:      v.CreatedAt.UTC(),
			UpdatedAt:      v.UpdatedAt.UTC(),
		})
	}
	return out
}

// VoteResponse answers a successful vote.
type VoteResponse struct {
	Success    bool    `json:"success"`
	VoteID     string  `json:"vote_id"`
	MarketID   string  `json:"market_id"`
	Choice     string  `json:"choice"`
	Amount     float64 `json:"amount"`
	NewYesPool float64 `json:"new_yes_pool"`
	NewNoPool  float64 `json:"new_no_pool"`
	YesPercent float64 `json:"yes_percent"`
	NoPercent  float64 `json:"no_percent"`
	TotalPool  float64 `json:"total_pool"`
	TotalBets  int64   `json:"total_bets"`
}

// NewVoteResponse converts a committed vote.
func NewVoteResponse(res domain.VoteResult) VoteResponse {
	s := res.Snapshot
	return VoteResponse{
		Success:    true,
		VoteID:     res.VoteID,
		MarketID:   res.Vote.MarketID,
		Choice:     string(res.Vote.Choice),
		Amount:     res.Vote.Amount.Float64(),
		NewYesPool: s.YesPool.Float64(),
		NewNoPool:  s.NoPool.Float64(),
		YesPercent: s.YesPercent,
		NoPercent:  s.NoPercent,
		TotalPool:  s.TotalPool.Float64(),
		TotalBets:  s.TotalBets,
	}
}

// Stream frame types.
const (
	FrameSnapshot   = "snapshot"
	FrameVoteUpdate = domain.VoteEventType
	FrameError      = "error"
	FramePong       = "pong"
)

// Frame is one message pushed to a streaming client. Market is set for
// single-market frames, Markets for the initial frame of a global stream.
type Frame struct {
	Type      string           `json:"type"`
	MarketID  string           `json:"market_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Market    *Market          `json:"market,omitempty"`
	Markets   []Market         `json:"markets,omitempty"`
	LastVote  *domain.LastVote `json:"last_vote,omitempty"`
	Error     string           `json:"error,omitempty"`
}
