// Package cache keeps short-lived copies of derived values (balances and
// trust scores) in a key-value backend.
//
// The cache is advisory. Writers invalidate after their commit; readers fall
// back to the aggregator on a miss. Backend failures are logged and counted
// but never returned, so an unavailable cache only costs latency.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sheikh-saqib/karma-ledger/internal/aggregate"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/metrics"
)

const (
	DefaultTTL = 15 * time.Second
	MinTTL     = 15 * time.Second
	MaxTTL     = 60 * time.Second

	// EnqueueTimeout bounds a detached recompute enqueue.
	EnqueueTimeout = 2 * time.Second

	// allDomains never survives escaping, so no domain name can produce it.
	allDomains = "*"

	maxPendingEnqueues = 64
)

// BalanceKey is the cache key of a balance. A nil domain means all domains.
// User and domain are query-escaped so ':' and '*' inside them cannot
// collide with the separators or the all-domains marker.
func BalanceKey(userID string, domain *string) string {
	return key("balance", userID, domain)
}

// TrustKey is the cache key of a trust result.
func TrustKey(userID string, domain *string) string {
	return key("trust", userID, domain)
}

func key(kind, userID string, domain *string) string {
	return kind + ":" + url.QueryEscape(userID) + ":" + scope(domain)
}

func scope(domain *string) string {
	if domain == nil || *domain == "" {
		return allDomains
	}
	return url.QueryEscape(*domain)
}

// Aggregates is the computation behind a miss.
type Aggregates interface {
	Balance(ctx context.Context, userID string, domain *string) (int64, error)
	Trust(ctx context.Context, userID string, domain *string) (aggregate.TrustResult, error)
}

// Derived is a read-through cache over Aggregates. Concurrent misses for
// the same key share one computation.
type Derived struct {
	backend interfaces.Cache
	agg     Aggregates
	ttl     time.Duration
	queue   interfaces.JobQueue
	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
	pending chan struct{}
}

type Option func(*Derived)

// WithTTL sets the entry lifetime, clamped to [MinTTL, MaxTTL].
func WithTTL(ttl time.Duration) Option {
	return func(d *Derived) { d.ttl = min(max(ttl, MinTTL), MaxTTL) }
}

// WithRecomputeQueue makes a trust miss enqueue a snapshot job.
func WithRecomputeQueue(q interfaces.JobQueue) Option {
	return func(d *Derived) { d.queue = q }
}

func WithLogger(l *slog.Logger) Option { return func(d *Derived) { d.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Derived) { d.metrics = m } }

func NewDerived(backend interfaces.Cache, agg Aggregates, opts ...Option) *Derived {
	d := &Derived{
		backend: backend,
		agg:     agg,
		ttl:     DefaultTTL,
		logger:  slog.Default(),
		pending: make(chan struct{}, maxPendingEnqueues),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.NewNop()
	}
	return d
}

// Balance returns the cached balance or computes and stores it.
func (d *Derived) Balance(ctx context.Context, userID string, domain *string) (int64, error) {
	key := BalanceKey(userID, domain)
	if raw, ok := d.get(ctx, "balance", key); ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, nil
		}
		d.logger.Warn("discarding malformed cached balance", "key", key)
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		// Shared by every waiter on key; one caller's cancellation must not
		// fail the rest.
		ctx := context.WithoutCancel(ctx)
		balance, err := d.agg.Balance(ctx, userID, domain)
		if err != nil {
			return nil, err
		}
		d.set(ctx, key, strconv.FormatInt(balance, 10))
		return balance, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Trust returns the cached trust result or computes and stores it. On a miss
// a recompute job is enqueued so a durable snapshot follows.
func (d *Derived) Trust(ctx context.Context, userID string, domain *string) (aggregate.TrustResult, error) {
	key := TrustKey(userID, domain)
	if raw, ok := d.get(ctx, "trust", key); ok {
		var tr aggregate.TrustResult
		if err := json.Unmarshal([]byte(raw), &tr); err == nil {
			return tr, nil
		}
		d.logger.Warn("discarding malformed cached trust", "key", key)
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		tr, err := d.agg.Trust(ctx, userID, domain)
		if err != nil {
			return nil, err
		}
		d.StoreTrust(ctx, tr)
		return tr, nil
	})
	if err != nil {
		return aggregate.TrustResult{}, err
	}

	d.enqueueRecompute(ctx, userID, domain)
	return v.(aggregate.TrustResult), nil
}

// enqueueRecompute hands a snapshot job to the queue without holding up the
// read. At most maxPendingEnqueues sends are in flight; beyond that the job
// is dropped, and the next miss asks again.
func (d *Derived) enqueueRecompute(ctx context.Context, userID string, domain *string) {
	if d.queue == nil {
		return
	}
	job := interfaces.Job{
		ID:     uuid.NewString(),
		Kind:   interfaces.JobRecomputeTrust,
		UserID: userID,
		Domain: domain,
		At:     time.Now().UTC(),
	}
	select {
	case d.pending <- struct{}{}:
	default:
		d.metrics.Cache.WithLabelValues("recompute", "dropped").Inc()
		d.logger.Debug("recompute enqueue backlog full, dropping job", "user_id", userID)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), EnqueueTimeout)
	go func() {
		defer func() { <-d.pending }()
		defer cancel()
		if err := d.queue.Enqueue(ctx, job); err != nil {
			d.metrics.Cache.WithLabelValues("recompute", "error").Inc()
			d.logger.Warn("enqueue trust recompute failed", "user_id", userID, "error", err)
		}
	}()
}

// StoreTrust writes a freshly computed trust result.
func (d *Derived) StoreTrust(ctx context.Context, tr aggregate.TrustResult) {
	data, err := json.Marshal(tr)
	if err != nil {
		d.logger.Warn("marshal trust for cache failed", "user_id", tr.UserID, "error", err)
		return
	}
	d.set(ctx, TrustKey(tr.UserID, tr.Domain), string(data))
}

// Invalidate drops the balance and trust entries of one scope. Callers pass
// nil and the written domain separately.
func (d *Derived) Invalidate(ctx context.Context, userID string, domain *string) {
	keys := []string{BalanceKey(userID, domain), TrustKey(userID, domain)}
	for _, k := range keys {
		d.group.Forget(k)
	}
	if err := d.backend.Delete(ctx, keys...); err != nil {
		d.metrics.Cache.WithLabelValues("invalidate", "error").Inc()
		d.logger.Warn("cache invalidation failed", "user_id", userID, "keys", keys, "error", err)
	}
}

func (d *Derived) get(ctx context.Context, kind, key string) (string, bool) {
	raw, ok, err := d.backend.Get(ctx, key)
	switch {
	case err != nil:
		d.metrics.Cache.WithLabelValues(kind, "error").Inc()
		d.logger.Warn("cache read failed", "key", key, "error", err)
		return "", false
	case !ok:
		d.metrics.Cache.WithLabelValues(kind, "miss").Inc()
		return "", false
	}
	d.metrics.Cache.WithLabelValues(kind, "hit").Inc()
	return raw, true
}

func (d *Derived) set(ctx context.Context, key, value string) {
	if err := d.backend.Set(ctx, key, value, d.ttl); err != nil {
		d.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

var _ interfaces.CacheInvalidator = (*Derived)(nil)
