package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polypool/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.EventBus     = (*EventBus)(nil)
	_ domain.Subscription = (*subscription)(nil)
)

// defaultHealthInterval is how long a subscription may sit idle before it
// pings the server to confirm the connection is still alive.
const defaultHealthInterval = 15 * time.Second

// EventBus implements domain.EventBus on Redis Pub/Sub. Delivery is
// at-most-once and only reaches subscribers connected at publish time.
type EventBus struct {
	rdb            *redis.Client
	buffer         int
	healthInterval time.Duration
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBuffer sets the per-subscription queue length.
func WithBuffer(n int) EventBusOption {
	return func(b *EventBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithHealthInterval sets the idle period after which a subscription pings
// the server.
func WithHealthInterval(d time.Duration) EventBusOption {
	return func(b *EventBus) {
		if d > 0 {
			b.healthInterval = d
		}
	}
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client, opts ...EventBusOption) *EventBus {
	b := &EventBus{
		rdb:            c.Underlying(),
		buffer:         128,
		healthInterval: defaultHealthInterval,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish sends payload to topic.
func (b *EventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w: %w", topic, domain.ErrBusUnavailable, err)
	}
	return nil
}

// Subscribe opens a subscription on topic, using PSUBSCRIBE when topic
// contains glob wildcards. ctx bounds only the subscribe handshake; the
// subscription lives until Close or a connection failure.
func (b *EventBus) Subscribe(ctx context.Context, topic string) (domain.Subscription, error) {
	var ps *redis.PubSub
	if hasPattern(topic) {
		ps = b.rdb.PSubscribe(ctx, topic)
	} else {
		ps = b.rdb.Subscribe(ctx, topic)
	}

	// Wait for the server's confirmation so publishes after Subscribe
	// returns are guaranteed to be seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w: %w", topic, domain.ErrBusUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		topic:  topic,
		ps:     ps,
		out:    make(chan []byte, b.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx, b.healthInterval)
	return s, nil
}

// hasPattern returns true when the Redis channel includes glob-style
// wildcards, in which case PSubscribe must be used instead of Subscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

type subscription struct {
	topic  string
	ps     *redis.PubSub
	out    chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *subscription) C() <-chan []byte { return s.out }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.ps.Close()
	<-s.done
	return err
}

// run pumps messages into out until the subscription is closed or the
// connection fails. A slow consumer loses payloads rather than stalling the
// connection; payloads only say that something changed.
func (s *subscription) run(ctx context.Context, healthInterval time.Duration) {
	defer close(s.done)
	defer close(s.out)

	pinged := false
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, healthInterval)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && !pinged {
				if err := s.ps.Ping(ctx); err == nil {
					pinged = true
					continue
				}
			}
			s.fail(err)
			return
		}
		pinged = false

		switch m := msg.(type) {
		case *redis.Message:
			select {
			case s.out <- []byte(m.Payload):
			default:
			}
		case *redis.Pong, *redis.Subscription:
		}
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = fmt.Errorf("redis: subscription %s: %w: %w", s.topic, domain.ErrBusUnavailable, err)
}
