package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/karma-ledger/internal/models/events"
)

// EventPublisher sends domain events to a bus. Failures are the caller's to
// log; they never roll back a ledger write.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event events.Envelope) error
}

// Notifier delivers events to an outbound endpoint, fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, event events.Envelope) error
}

// Cache is a string key-value store with TTL. It carries no ordering or
// transactional guarantee.
type Cache interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheInvalidator drops derived values for a user after a ledger write.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID string, domain *string)
}

// Clock is injected wherever wall time matters.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
