package domain

import (
	"errors"
	"testing"
	"time"
)

func TestMarket_CheckVotable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		status  MarketStatus
		end     time.Time
		wantErr error
	}{
		{"active and open", MarketStatusActive, now.Add(time.Hour), nil},
		{"ends exactly now", MarketStatusActive, now, nil},
		{"active but ended", MarketStatusActive, now.Add(-time.Second), ErrExpired},
		{"closed", MarketStatusClosed, now.Add(time.Hour), ErrInvalidState},
		{"resolved", MarketStatusResolved, now.Add(time.Hour), ErrInvalidState},
		{"closed and ended reports state", MarketStatusClosed, now.Add(-time.Hour), ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Market{ID: "m", Status: tt.status, EndDate: tt.end}
			err := m.CheckVotable(now)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		input   string
		want    Choice
		wantErr bool
	}{
		{"YES", ChoiceYes, false},
		{"no", ChoiceNo, false},
		{" Yes ", ChoiceYes, false},
		{"maybe", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseChoice(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidChoice) {
				t.Errorf("error %v is not ErrInvalidChoice", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeWallet(t *testing.T) {
	tests := []struct {
		name      string
		wallet    string
		fallback  string
		canonical bool
		want      string
	}{
		{"empty uses zero address", "", "", true, AnonymousWallet},
		{"empty uses fallback", "  ", "anonymous", false, "anonymous"},
		{"opaque kept", "alice", "", true, "alice"},
		{"hex checksummed", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "", true, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{"hex kept when not canonical", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "", false, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"},
		{"trimmed", " bob ", "", false, "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeWallet(tt.wallet, tt.fallback, tt.canonical); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if AnonymousWallet != "0x0000000000000000000000000000000000000000" {
		t.Errorf("AnonymousWallet = %q", AnonymousWallet)
	}
}
