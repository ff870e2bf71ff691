// Package memory provides an in-process event bus with the same delivery
// contract as the Redis one, for single-replica deployments and tests.
package memory

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/alanyoungcy/polypool/internal/domain"
)

var (
	_ domain.EventBus     = (*EventBus)(nil)
	_ domain.Subscription = (*subscription)(nil)
)

// EventBus fans payloads out to in-process subscribers. Topics containing
// glob wildcards match the way Redis PSUBSCRIBE patterns do for the topic
// shapes used here.
type EventBus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewEventBus creates an EventBus whose subscriptions queue up to buffer
// payloads each.
func NewEventBus(buffer int) *EventBus {
	if buffer < 1 {
		buffer = 1
	}
	return &EventBus{buffer: buffer, subs: make(map[*subscription]struct{})}
}

// Publish delivers payload to every matching subscriber without blocking.
// Subscribers whose queue is full miss the payload.
func (b *EventBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory: publish %s: %w", topic, domain.ErrBusUnavailable)
	}
	for s := range b.subs {
		if !s.matches(topic) {
			continue
		}
		select {
		case s.out <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers interest in topic.
func (b *EventBus) Subscribe(_ context.Context, topic string) (domain.Subscription, error) {
	if _, err := path.Match(topic, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", topic, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("memory: subscribe %s: %w", topic, domain.ErrBusUnavailable)
	}
	s := &subscription{bus: b, topic: topic, out: make(chan []byte, b.buffer)}
	b.subs[s] = struct{}{}
	return s, nil
}

// Shutdown fails every open subscription as a lost connection would and
// rejects further use.
func (b *EventBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.err = fmt.Errorf("memory: subscription %s: %w", s.topic, domain.ErrBusUnavailable)
		close(s.out)
		delete(b.subs, s)
	}
}

type subscription struct {
	bus   *EventBus
	topic string
	out   chan []byte
	err   error // written under bus.mu before out is closed
}

func (s *subscription) matches(topic string) bool {
	if s.topic == topic {
		return true
	}
	ok, _ := path.Match(s.topic, topic)
	return ok
}

func (s *subscription) C() <-chan []byte { return s.out }

func (s *subscription) Err() error {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.err
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.out)
	}
	return nil
}
