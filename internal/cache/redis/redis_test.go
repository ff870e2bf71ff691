package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polypool/internal/domain"
)

// marketWildcard matches every per-market vote topic.
const marketWildcard = "market:*:votes"

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func recv(t *testing.T, sub domain.Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, domain.MarketTopic("m1"))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, domain.MarketTopic("m1"), []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := string(recv(t, sub)); got != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestEventBus_PatternSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, marketWildcard)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	_ = bus.Publish(ctx, domain.TopicVotes, []byte("global"))
	_ = bus.Publish(ctx, domain.MarketTopic("m2"), []byte("m2"))
	if got := string(recv(t, sub)); got != "m2" {
		t.Errorf("got %q, want only the per-market message", got)
	}
}

func TestEventBus_CloseIsClean(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)

	sub, err := bus.Subscribe(context.Background(), domain.TopicVotes)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed")
	}
	if sub.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", sub.Err())
	}
	if err := sub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestEventBus_ServerLossClosesSubscription(t *testing.T) {
	c, mr := newTestClient(t)
	bus := NewEventBus(c)

	sub, err := bus.Subscribe(context.Background(), domain.TopicVotes)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	mr.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not closed after server loss")
	}
	if !errors.Is(sub.Err(), domain.ErrBusUnavailable) {
		t.Errorf("Err = %v, want ErrBusUnavailable", sub.Err())
	}
}

func TestEventBus_PublishFailure(t *testing.T) {
	c, mr := newTestClient(t)
	bus := NewEventBus(c)
	mr.Close()

	err := bus.Publish(context.Background(), domain.TopicVotes, []byte("x"))
	if !errors.Is(err, domain.ErrBusUnavailable) {
		t.Fatalf("err = %v, want ErrBusUnavailable", err)
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := range 3 {
		ok, err := rl.Allow(ctx, "vote:1.2.3.4", 3, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("request %d denied", i)
		}
		now = now.Add(time.Second)
	}

	if ok, _ := rl.Allow(ctx, "vote:1.2.3.4", 3, time.Minute); ok {
		t.Fatal("fourth request inside the window should be denied")
	}
	if ok, _ := rl.Allow(ctx, "vote:5.6.7.8", 3, time.Minute); !ok {
		t.Fatal("other keys are independent")
	}

	now = now.Add(time.Minute)
	if ok, _ := rl.Allow(ctx, "vote:1.2.3.4", 3, time.Minute); !ok {
		t.Fatal("request after the window should be allowed")
	}
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "archive", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lm.Acquire(ctx, "archive", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second acquire err = %v, want ErrLockHeld", err)
	}

	unlock()
	unlock()
	if mr.Exists("lock:archive") {
		t.Fatal("lock key still present after unlock")
	}

	unlock2, err := lm.Acquire(ctx, "archive", time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer unlock2()

	mr.FastForward(2 * time.Second)
	if _, err := lm.Acquire(ctx, "archive", time.Second); err != nil {
		t.Fatalf("expired lock should be free: %v", err)
	}
}
