package domain

import "time"

// TopicVotes carries every vote notification across all markets.
const TopicVotes = "votes"

// MarketTopic returns the per-market vote notification topic.
func MarketTopic(marketID string) string {
	return "market:" + marketID + ":votes"
}

// VoteEventType is the message type of a vote notification.
const VoteEventType = "vote_update"

// LastVote describes the vote that triggered a notification.
type LastVote struct {
	Choice Choice  `json:"choice"`
	Amount float64 `json:"amount"`
	Wallet string  `json:"wallet"`
}

// VoteEvent is the payload published on the bus after a vote commits.
// Subscribers treat it as a hint that MarketID changed, never as the
// market's state.
type VoteEvent struct {
	Type        string    `json:"type"`
	MarketID    string    `json:"market_id"`
	Timestamp   time.Time `json:"timestamp"`
	YesPool     float64   `json:"yes_pool"`
	NoPool      float64   `json:"no_pool"`
	YesPercent  float64   `json:"yes_percent"`
	NoPercent   float64   `json:"no_percent"`
	TotalVoters int64     `json:"total_voters"`
	LastVote    *LastVote `json:"last_vote,omitempty"`
}

// NewVoteEvent builds the notification for a committed vote.
func NewVoteEvent(res VoteResult, at time.Time) VoteEvent {
	s := res.Snapshot
	return VoteEvent{
		Type:        VoteEventType,
		MarketID:    s.ID,
		Timestamp:   at.UTC(),
		YesPool:     s.YesPool.Float64(),
		NoPool:      s.NoPool.Float64(),
		YesPercent:  s.YesPercent,
		NoPercent:   s.NoPercent,
		TotalVoters: s.TotalBets,
		LastVote: &LastVote{
			Choice: res.Vote.Choice,
			Amount: res.Vote.Amount.Float64(),
			Wallet: res.Vote.Wallet,
		},
	}
}
