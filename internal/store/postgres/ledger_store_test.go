package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polypool/internal/domain"
)

// testClient connects to the database named by POLYPOOL_TEST_DSN and applies
// migrations. Tests using it are skipped when the variable is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("POLYPOOL_TEST_DSN")
	if dsn == "" {
		t.Skip("POLYPOOL_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 20})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	if _, err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return c
}

func newMarket(t *testing.T, s *LedgerStore) string {
	t.Helper()
	id := "test-" + uuid.NewString()
	now := time.Now().UTC()
	created, err := s.EnsureMarket(context.Background(), domain.Market{
		ID:        id,
		Question:  "Integration?",
		Status:    domain.MarketStatusActive,
		StartDate: now,
		EndDate:   now.Add(time.Hour),
	})
	if err != nil || !created {
		t.Fatalf("EnsureMarket = %v, %v", created, err)
	}
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), "DELETE FROM markets WHERE id = $1", id)
	})
	return id
}

func placeVote(ctx context.Context, s *LedgerStore, marketID, wallet string, c domain.Choice, amt domain.Amount) (string, error) {
	var id string
	err := s.WithTx(ctx, func(tx domain.LedgerTx) error {
		if _, err := tx.LockMarket(ctx, marketID); err != nil {
			return err
		}
		var err error
		if id, err = tx.UpsertVote(ctx, domain.Vote{MarketID: marketID, Wallet: wallet, Choice: c, Amount: amt}); err != nil {
			return err
		}
		_, err = tx.RecomputePools(ctx, marketID)
		return err
	})
	return id, err
}

func TestLedgerStore_Integration(t *testing.T) {
	c := testClient(t)
	s := NewLedgerStore(c.Pool())
	ctx := context.Background()
	id := newMarket(t, s)

	first, err := placeVote(ctx, s, id, "alice", domain.ChoiceYes, 10*domain.AmountScale)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := placeVote(ctx, s, id, "bob", domain.ChoiceNo, 5*domain.AmountScale); err != nil {
		t.Fatal(err)
	}
	again, err := placeVote(ctx, s, id, "alice", domain.ChoiceNo, 1*domain.AmountScale)
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Errorf("re-vote id changed %s -> %s", first, again)
	}

	m, err := s.GetMarket(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.YesPool != 0 || m.NoPool != 6*domain.AmountScale {
		t.Errorf("pools = %s/%s, want 0/6", m.YesPool, m.NoPool)
	}
	if n, _ := s.CountVotes(ctx, id); n != 2 {
		t.Errorf("CountVotes = %d, want 2", n)
	}

	wv, err := s.ListVotesByWallet(ctx, "alice", domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, v := range wv {
		if v.MarketID == id {
			found = true
			if v.Question != "Integration?" || v.Choice != domain.ChoiceNo {
				t.Errorf("wallet vote = %+v", v)
			}
		}
	}
	if !found {
		t.Error("wallet vote missing")
	}
}

func TestLedgerStore_IntegrationConcurrent(t *testing.T) {
	c := testClient(t)
	s := NewLedgerStore(c.Pool())
	ctx := context.Background()
	id := newMarket(t, s)

	const voters = 40
	var wg sync.WaitGroup
	for i := range voters {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := placeVote(ctx, s, id, fmt.Sprintf("w%d", i), domain.ChoiceYes, domain.AmountScale); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	m, _ := s.GetMarket(ctx, id)
	if m.YesPool != voters*domain.AmountScale {
		t.Errorf("YesPool = %s, want %d", m.YesPool, voters)
	}
}

func TestLedgerStore_IntegrationNotFound(t *testing.T) {
	c := testClient(t)
	s := NewLedgerStore(c.Pool())
	if _, err := s.GetMarket(context.Background(), "missing-"+uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
