package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/server/view"
	"github.com/alanyoungcy/polypool/internal/service"
)

// maxVoteBodyBytes caps the vote request body.
const maxVoteBodyBytes = 4 << 10

// MarketService defines the read methods the market handler requires from
// the service layer.
type MarketService interface {
	ListSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error)
	Snapshot(ctx context.Context, id string) (domain.MarketSnapshot, error)
	Stats(ctx context.Context, id string) (service.MarketStats, error)
	MarketVotes(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Vote, error)
	WalletVotes(ctx context.Context, wallet string, canonical bool, opts domain.ListOpts) ([]domain.WalletVote, error)
}

// VoteService defines what the vote handler requires from the service layer.
type VoteService interface {
	PlaceVote(ctx context.Context, req domain.VoteRequest) (domain.VoteResult, error)
	MaxAmount() domain.Amount
}

// MarketHandler serves the read-side prediction endpoints.
type MarketHandler struct {
	markets          MarketService
	canonicalWallets bool
	logger           *slog.Logger
}

// NewMarketHandler creates a MarketHandler. canonicalWallets must match the
// vote service so wallet lookups use the stored key form.
func NewMarketHandler(markets MarketService, canonicalWallets bool, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:          markets,
		canonicalWallets: canonicalWallets,
		logger:           logHandler(logger, "markets"),
	}
}

// ListMarkets returns every market, newest first.
// GET /api/predictions/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.markets.ListSnapshots(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	writeJSON(w, http.StatusOK, view.NewMarkets(snaps))
}

// GetMarket returns one market with derived totals.
// GET /api/predictions/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.markets.Snapshot(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, view.NewMarket(snap))
}

// GetMarketStats returns a market with time-to-close figures.
// GET /api/predictions/markets/{id}/stats
func (h *MarketHandler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.markets.Stats(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "market stats", err)
		return
	}
	writeJSON(w, http.StatusOK, view.MarketStats{
		MarketID:      st.ID,
		Question:      st.Question,
		Status:        string(st.Status),
		YesPool:       st.YesPool.Float64(),
		NoPool:        st.NoPool.Float64(),
		TotalPool:     st.TotalPool.Float64(),
		YesPercent:    st.YesPercent,
		NoPercent:     st.NoPercent,
		TotalBets:     st.TotalBets,
		DaysRemaining: st.DaysRemaining,
		EndsIn:        st.EndsIn,
	})
}

// ListMarketVotes returns a page of a market's votes, newest first.
// GET /api/predictions/markets/{id}/votes?limit=100&offset=0
func (h *MarketHandler) ListMarketVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.markets.MarketVotes(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list market votes", err)
		return
	}
	writeJSON(w, http.StatusOK, view.NewVotes(votes))
}

// ListWalletVotes returns a wallet's votes across markets, newest first.
// GET /api/predictions/users/{wallet}/votes
func (h *MarketHandler) ListWalletVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.markets.WalletVotes(r.Context(), pathParam(r, "wallet"), h.canonicalWallets, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list wallet votes", err)
		return
	}
	writeJSON(w, http.StatusOK, view.NewWalletVotes(votes))
}

// VoteHandler serves vote placement.
type VoteHandler struct {
	votes  VoteService
	logger *slog.Logger
}

// NewVoteHandler creates a VoteHandler.
func NewVoteHandler(votes VoteService, logger *slog.Logger) *VoteHandler {
	return &VoteHandler{
		votes:  votes,
		logger: logHandler(logger, "votes"),
	}
}

// voteRequest is the POST body. Amount accepts a JSON number or a decimal
// string.
type voteRequest struct {
	MarketID string          `json:"market_id"`
	Choice   string          `json:"choice"`
	Amount   decimal.Decimal `json:"amount"`
	Wallet   string          `json:"wallet"`
}

// PlaceVote validates the request body and records the vote.
// POST /api/predictions/vote
func (h *VoteHandler) PlaceVote(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.votes.PlaceVote(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "place vote", err)
		return
	}
	writeJSON(w, http.StatusOK, view.NewVoteResponse(res))
}

// decode parses and bounds-checks the body so invalid amounts and choices
// never reach the ledger.
func (h *VoteHandler) decode(w http.ResponseWriter, r *http.Request) (domain.VoteRequest, error) {
	var body voteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVoteBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return domain.VoteRequest{}, errors.New("invalid request body")
	}

	marketID := strings.TrimSpace(body.MarketID)
	if marketID == "" {
		return domain.VoteRequest{}, errors.New("market_id is required")
	}
	choice, err := domain.ParseChoice(body.Choice)
	if err != nil {
		return domain.VoteRequest{}, errors.New("choice must be YES or NO")
	}
	amount, err := domain.AmountFromDecimal(body.Amount)
	if err != nil {
		return domain.VoteRequest{}, err
	}
	if err := domain.CheckStake(amount, h.votes.MaxAmount()); err != nil {
		return domain.VoteRequest{}, err
	}

	return domain.VoteRequest{
		MarketID: marketID,
		Choice:   choice,
		Amount:   amount,
		Wallet:   body.Wallet,
	}, nil
}
