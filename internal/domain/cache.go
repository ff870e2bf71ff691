package domain

import (
	"context"
	"time"
)

// Subscription is a live interest in one bus topic. C yields raw payloads
// until the subscription is closed or the bus fails; a closed C without a
// prior Close call means the bus became unavailable, and Err then reports
// why.
type Subscription interface {
	C() <-chan []byte
	Err() error
	Close() error
}

// EventBus is a best-effort, at-most-once publish/subscribe channel.
// Payloads are hints and may be late, duplicated across topics, or lost.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
