package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/polypool/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("svc: %w", domain.ErrNotFound), http.StatusNotFound},
		{"closed market", fmt.Errorf("svc: %w", domain.ErrInvalidState), http.StatusConflict},
		{"expired", domain.ErrExpired, http.StatusConflict},
		{"amount", domain.ErrInvalidAmount, http.StatusBadRequest},
		{"choice", domain.ErrInvalidChoice, http.StatusBadRequest},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests},
		{"store down", fmt.Errorf("pg: %w: %w", domain.ErrStoreUnavailable, errors.New("dial")), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := statusFor(tt.err)
			if got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
			if got == http.StatusInternalServerError && strings.Contains(msg, "boom") {
				t.Errorf("internal error text leaked: %q", msg)
			}
		})
	}
}

func TestWriteServiceError_RetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	writeServiceError(rec, req, discardLogger(), "op", domain.ErrStoreUnavailable)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Errorf("body = %v, want error field", body)
	}
}

func TestParseListOpts(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 100, 0},
		{"limit=10&offset=5", 10, 5},
		{"limit=9999", 500, 0},
		{"limit=-1&offset=-3", 100, 0},
		{"limit=abc", 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			got := parseListOpts(r)
			if got.Limit != tt.wantLimit || got.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", got.Limit, got.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

type fakeVotes struct {
	calls int
	last  domain.VoteRequest
	err   error
}

func (f *fakeVotes) PlaceVote(_ context.Context, req domain.VoteRequest) (domain.VoteResult, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return domain.VoteResult{}, f.err
	}
	m := domain.Market{ID: req.MarketID, YesPool: req.Amount}
	return domain.VoteResult{VoteID: "v1", Vote: req, Snapshot: domain.NewSnapshot(m, 1)}, nil
}

func (f *fakeVotes) MaxAmount() domain.Amount { return 100 * domain.AmountScale }

func TestPlaceVote_BoundaryValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCalled bool
	}{
		{"valid number", `{"market_id":"m1","choice":"YES","amount":10}`, http.StatusOK, true},
		{"valid string amount", `{"market_id":"m1","choice":"no","amount":"2.5","wallet":"alice"}`, http.StatusOK, true},
		{"zero amount", `{"market_id":"m1","choice":"YES","amount":0}`, http.StatusBadRequest, false},
		{"missing amount", `{"market_id":"m1","choice":"YES"}`, http.StatusBadRequest, false},
		{"over cap", `{"market_id":"m1","choice":"YES","amount":100.000001}`, http.StatusBadRequest, false},
		{"at cap", `{"market_id":"m1","choice":"YES","amount":100}`, http.StatusOK, true},
		{"too precise", `{"market_id":"m1","choice":"YES","amount":1.0000001}`, http.StatusBadRequest, false},
		{"negative", `{"market_id":"m1","choice":"YES","amount":-5}`, http.StatusBadRequest, false},
		{"bad choice", `{"market_id":"m1","choice":"MAYBE","amount":1}`, http.StatusBadRequest, false},
		{"missing market", `{"choice":"YES","amount":1}`, http.StatusBadRequest, false},
		{"not json", `choice=YES`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			votes := &fakeVotes{}
			h := NewVoteHandler(votes, discardLogger())
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/predictions/vote", strings.NewReader(tt.body))
			h.PlaceVote(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if (votes.calls > 0) != tt.wantCalled {
				t.Errorf("service called = %v, want %v", votes.calls > 0, tt.wantCalled)
			}
		})
	}
}

func TestPlaceVote_Response(t *testing.T) {
	votes := &fakeVotes{}
	h := NewVoteHandler(votes, discardLogger())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/predictions/vote",
		strings.NewReader(`{"market_id":"m1","choice":"yes","amount":"12.5","wallet":"0xabc"}`))
	h.PlaceVote(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if votes.last.Amount != 12_500_000 || votes.last.Choice != domain.ChoiceYes || votes.last.Wallet != "0xabc" {
		t.Errorf("request = %+v", votes.last)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"success", "vote_id", "market_id", "choice", "amount", "new_yes_pool",
		"new_no_pool", "yes_percent", "no_percent", "total_pool", "total_bets"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}
	if body["amount"] != 12.5 || body["new_yes_pool"] != 12.5 || body["yes_percent"] != 100.0 {
		t.Errorf("body = %v", body)
	}
}

func TestPlaceVote_ServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidState, http.StatusConflict},
		{domain.ErrExpired, http.StatusConflict},
		{domain.ErrStoreUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := NewVoteHandler(&fakeVotes{err: fmt.Errorf("vote_service: %w", tt.err)}, discardLogger())
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"market_id":"m1","choice":"YES","amount":1}`))
			h.PlaceVote(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	up := Check{Name: "postgres", Ping: func(context.Context) error { return nil }}
	down := Check{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }}

	tests := []struct {
		name   string
		checks []Check
		want   int
		status string
	}{
		{"no deps", nil, http.StatusOK, "ok"},
		{"all up", []Check{up}, http.StatusOK, "ok"},
		{"one down", []Check{up, down}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks, func() int { return 3 }, discardLogger())
			rec := httptest.NewRecorder()
			h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var body struct {
				Status   string            `json:"status"`
				Deps     map[string]string `json:"dependencies"`
				Sessions int               `json:"stream_sessions"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.status {
				t.Errorf("status field = %q, want %q", body.Status, tt.status)
			}
			if body.Sessions != 3 {
				t.Errorf("stream_sessions = %d", body.Sessions)
			}
			if len(body.Deps) != len(tt.checks) {
				t.Errorf("dependencies = %v", body.Deps)
			}
		})
	}
}
