package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sheikh-saqib/karma-ledger/internal/aggregate"
	"github.com/sheikh-saqib/karma-ledger/internal/api"
	"github.com/sheikh-saqib/karma-ledger/internal/cache"
	"github.com/sheikh-saqib/karma-ledger/internal/config"
	"github.com/sheikh-saqib/karma-ledger/internal/disputes"
	"github.com/sheikh-saqib/karma-ledger/internal/events/kafka"
	"github.com/sheikh-saqib/karma-ledger/internal/events/webhook"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/ledger"
	"github.com/sheikh-saqib/karma-ledger/internal/logging"
	"github.com/sheikh-saqib/karma-ledger/internal/metrics"
	"github.com/sheikh-saqib/karma-ledger/internal/policy"
	"github.com/sheikh-saqib/karma-ledger/internal/recompute"
	"github.com/sheikh-saqib/karma-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/karma-ledger/internal/storage/postgres"
	"github.com/sheikh-saqib/karma-ledger/internal/storage/sqlite"
	"github.com/sheikh-saqib/karma-ledger/internal/verification"
)

// app holds every wired component. Fields that depend on optional
// infrastructure (cache, kafka, webhook) may be nil.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store    interfaces.Store
	policies *policy.Registry
	agg      *aggregate.Aggregator
	derived  *cache.Derived
	queue    interfaces.JobQueue

	ledger        *ledger.Ledger
	verifications *verification.Service
	disputes      *disputes.Workflow
	scheduler     *recompute.Scheduler

	closers []io.Closer
}

func loadConfig(opts *RootOptions) (*config.Config, *slog.Logger, error) {
	if err := config.LoadEnv(opts.EnvFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (interfaces.Store, io.Closer, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN, cfg.Pool)
		return s, s, err
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Path)
		return s, s, err
	case "memory":
		return memory.NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openCache(ctx context.Context, cfg config.CacheConfig) (interfaces.Cache, io.Closer, error) {
	switch cfg.Backend {
	case "redis":
		c, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case "badger":
		c, err := cache.OpenBadger(cfg.Badger)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}
	return nil, nil, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if a.policies, err = cfg.PolicyRegistry(); err != nil {
		return nil, err
	}

	store, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	a.store = store
	a.track(closer)

	if cfg.Kafka.Enabled() {
		a.queue = kafka.NewJobQueue(cfg.Kafka.Brokers, cfg.Kafka.JobsTopic, cfg.Kafka.GroupID, logger)
	} else {
		a.queue = recompute.NewChanQueue(256, logger)
	}
	a.track(a.queue)

	a.agg = aggregate.New(store, a.policies)

	backend, closer, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Backend, err)
	}
	a.track(closer)
	if backend != nil {
		opts := []cache.Option{
			cache.WithTTL(cfg.Cache.TTL),
			cache.WithLogger(logger),
			cache.WithMetrics(a.metrics),
		}
		if cfg.Cache.RecomputeOnMiss {
			opts = append(opts, cache.WithRecomputeQueue(a.queue))
		}
		a.derived = cache.NewDerived(backend, a.agg, opts...)
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithMetrics(a.metrics),
		ledger.WithReserveTries(cfg.Server.ReserveTries),
	}
	disputeOpts := []disputes.Option{disputes.WithLogger(logger), disputes.WithMetrics(a.metrics)}
	schedOpts := []recompute.Option{
		recompute.WithQueue(a.queue),
		recompute.WithLogger(logger),
		recompute.WithMetrics(a.metrics),
	}
	var invalidator interfaces.CacheInvalidator
	if a.derived != nil {
		invalidator = a.derived
		ledgerOpts = append(ledgerOpts, ledger.WithInvalidator(a.derived))
		schedOpts = append(schedOpts, recompute.WithCache(a.derived))
	}
	if cfg.Kafka.Enabled() {
		pub := kafka.NewPublisher(cfg.Kafka.Brokers)
		a.track(pub)
		ledgerOpts = append(ledgerOpts, ledger.WithPublisher(pub, cfg.Kafka.EventsTopic))
	}
	if cfg.Webhook.Enabled() {
		disputeOpts = append(disputeOpts, disputes.WithNotifier(webhook.New(cfg.Webhook)))
	}

	a.ledger = ledger.NewLedger(store, a.policies, cfg.Actions, ledgerOpts...)
	a.verifications = verification.NewService(store, invalidator, logger)
	a.disputes = disputes.New(store, store, disputeOpts...)
	a.scheduler = recompute.NewScheduler(store, a.agg, a.policies, cfg.Recompute, schedOpts...)
	return a, nil
}

func (a *app) track(c io.Closer) {
	if c != nil {
		a.closers = append(a.closers, c)
	}
}

// scores reads through the cache when one is configured.
func (a *app) scores() api.ScoreReader {
	if a.derived != nil {
		return a.derived
	}
	return a.agg
}

func (a *app) server() *api.Server {
	return api.New(api.Services{
		Ledger:        a.ledger,
		Scores:        a.scores(),
		Rankings:      a.agg,
		Verifications: a.verifications,
		Disputes:      a.disputes,
	},
		api.WithRateLimit(a.cfg.Server.RateLimit, a.cfg.Server.RateBurst),
		api.WithGatherer(a.registry),
		api.WithLogger(a.logger),
		api.WithMetrics(a.metrics),
		api.WithServiceName(a.cfg.Logging.Service),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i].Close())
	}
	a.closers = nil
	return err
}
