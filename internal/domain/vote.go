package domain

import "time"

// Vote is a wallet's current stake on a market. The ledger keeps at most one
// Vote per (MarketID, Wallet); a later vote replaces the earlier one.
type Vote struct {
	ID        string
	MarketID  string
	Wallet    string
	Choice    Choice
	Amount    Amount
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WalletVote is a Vote joined with the question of the market it was cast on.
type WalletVote struct {
	Vote
	Question string
}

// VoteRequest is a validated request to place or replace a vote.
type VoteRequest struct {
	MarketID string
	Choice   Choice
	Amount   Amount
	Wallet   string // empty means anonymous
}

// VoteResult is the committed outcome of a vote. Snapshot comes from the
// same post-commit read that feeds the vote notification.
type VoteResult struct {
	VoteID   string
	Vote     VoteRequest
	Snapshot MarketSnapshot
}
