package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/polypool/internal/domain"
)

// marketWildcard matches every per-market vote topic.
const marketWildcard = "market:*:votes"

func TestEventBus_Routing(t *testing.T) {
	bus := NewEventBus(4)
	ctx := context.Background()

	m1, _ := bus.Subscribe(ctx, domain.MarketTopic("m1"))
	all, _ := bus.Subscribe(ctx, domain.TopicVotes)
	wild, _ := bus.Subscribe(ctx, marketWildcard)
	defer m1.Close()
	defer all.Close()
	defer wild.Close()

	_ = bus.Publish(ctx, domain.MarketTopic("m1"), []byte("a"))
	_ = bus.Publish(ctx, domain.MarketTopic("m2"), []byte("b"))
	_ = bus.Publish(ctx, domain.TopicVotes, []byte("c"))

	tests := []struct {
		name string
		sub  domain.Subscription
		want []string
	}{
		{"per market", m1, []string{"a"}},
		{"global", all, []string{"c"}},
		{"wildcard", wild, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, want := range tt.want {
				got := <-tt.sub.C()
				if string(got) != want {
					t.Errorf("got %q, want %q", got, want)
				}
			}
			select {
			case extra := <-tt.sub.C():
				t.Errorf("unexpected extra message %q", extra)
			default:
			}
		})
	}
}

func TestEventBus_FullQueueDrops(t *testing.T) {
	bus := NewEventBus(1)
	sub, _ := bus.Subscribe(context.Background(), "t")
	defer sub.Close()

	_ = bus.Publish(context.Background(), "t", []byte("1"))
	if err := bus.Publish(context.Background(), "t", []byte("2")); err != nil {
		t.Fatalf("publish to a full subscriber should not fail: %v", err)
	}
	if got := <-sub.C(); string(got) != "1" {
		t.Errorf("got %q", got)
	}
}

func TestEventBus_CloseAndShutdown(t *testing.T) {
	bus := NewEventBus(1)
	ctx := context.Background()

	a, _ := bus.Subscribe(ctx, "t")
	_ = a.Close()
	_ = a.Close()
	if _, ok := <-a.C(); ok {
		t.Fatal("closed subscription should have a closed channel")
	}
	if a.Err() != nil {
		t.Errorf("Err after Close = %v", a.Err())
	}

	b, _ := bus.Subscribe(ctx, "t")
	bus.Shutdown()
	if _, ok := <-b.C(); ok {
		t.Fatal("shutdown should close subscriptions")
	}
	if !errors.Is(b.Err(), domain.ErrBusUnavailable) {
		t.Errorf("Err = %v, want ErrBusUnavailable", b.Err())
	}
	_ = b.Close()

	if err := bus.Publish(ctx, "t", nil); !errors.Is(err, domain.ErrBusUnavailable) {
		t.Errorf("publish after shutdown = %v", err)
	}
	if _, err := bus.Subscribe(ctx, "t"); !errors.Is(err, domain.ErrBusUnavailable) {
		t.Errorf("subscribe after shutdown = %v", err)
	}
}
