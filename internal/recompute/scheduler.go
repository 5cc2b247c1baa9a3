// Package recompute runs the background jobs that keep derived state fresh:
// trust snapshots and decay compensations. Both are safe to run repeatedly
// and concurrently.
package recompute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/karma-ledger/internal/aggregate"
	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/metrics"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
	"github.com/sheikh-saqib/karma-ledger/internal/policy"
)

// Store is what the jobs read and append to.
type Store interface {
	interfaces.EntryStore
	interfaces.SnapshotStore
}

// TrustComputer derives a fresh trust value.
type TrustComputer interface {
	Trust(ctx context.Context, userID string, domain *string) (aggregate.TrustResult, error)
}

// TrustCache receives freshly computed trust values.
type TrustCache interface {
	interfaces.CacheInvalidator
	StoreTrust(ctx context.Context, tr aggregate.TrustResult)
}

// Config tunes the scheduler.
type Config struct {
	Workers       int           `yaml:"workers" validate:"gte=0"`
	DecayInterval time.Duration `yaml:"decay_interval" validate:"gte=0"`
	MinAgeDays    int           `yaml:"min_age_days" validate:"gte=0"`
	BatchSize     int           `yaml:"batch_size" validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	return c
}

// Scheduler consumes jobs from a queue and runs the periodic decay sweep.
type Scheduler struct {
	store    Store
	trust    TrustComputer
	cache    TrustCache
	policies *policy.Registry
	queue    interfaces.JobQueue
	cfg      Config
	clock    interfaces.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Scheduler)

// WithCache refreshes and invalidates derived cache entries after each job.
func WithCache(c TrustCache) Option { return func(s *Scheduler) { s.cache = c } }

func WithQueue(q interfaces.JobQueue) Option { return func(s *Scheduler) { s.queue = q } }

func WithClock(c interfaces.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

func NewScheduler(store Store, trust TrustComputer, policies *policy.Registry, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		trust:    trust,
		policies: policies,
		cfg:      cfg.withDefaults(),
		clock:    interfaces.SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s
}

// Run blocks until ctx is done or a worker fails.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.queue != nil {
		for i := 0; i < s.cfg.Workers; i++ {
			g.Go(func() error {
				return s.queue.Consume(ctx, s.Handle)
			})
		}
	}

	if s.cfg.DecayInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.cfg.DecayInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					res, err := s.DecaySweep(ctx, s.clock.Now())
					if err != nil && !errors.Is(err, context.Canceled) {
						s.logger.Error("decay sweep failed", "error", err)
						continue
					}
					s.logger.Info("decay sweep finished", "scanned", res.Scanned, "compensated", res.Compensated)
				}
			}
		})
	}

	return g.Wait()
}

// Handle runs one job. It is the consumer callback for the queue.
func (s *Scheduler) Handle(ctx context.Context, job interfaces.Job) error {
	var err error
	switch job.Kind {
	case interfaces.JobRecomputeTrust:
		_, err = s.RecomputeTrust(ctx, job.UserID, job.Domain)
	case interfaces.JobDecaySweep:
		at := job.At
		if at.IsZero() {
			at = s.clock.Now()
		}
		_, err = s.DecaySweep(ctx, at)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	result := "ok"
	if err != nil {
		result = "failed"
	}
	s.metrics.Jobs.WithLabelValues(string(job.Kind), result).Inc()
	return err
}

// RecomputeTrust derives the user's trust, appends a snapshot and refreshes
// the cache entry. Each run adds a row; none is ever updated.
func (s *Scheduler) RecomputeTrust(ctx context.Context, userID string, domain *string) (models.TrustSnapshot, error) {
	if userID == "" {
		return models.TrustSnapshot{}, errs.E(errs.InvalidInput, "user_id is required")
	}
	tr, err := s.trust.Trust(ctx, userID, domain)
	if err != nil {
		return models.TrustSnapshot{}, err
	}
	snap, err := s.store.AppendTrustSnapshot(ctx, models.TrustSnapshot{
		UserID:            userID,
		Domain:            domain,
		Trust:             tr.Trust,
		KarmaBalance:      tr.Balance,
		VerificationLevel: tr.VerificationLevel,
	})
	if err != nil {
		return models.TrustSnapshot{}, err
	}
	s.metrics.TrustSnapshots.Inc()
	if s.cache != nil {
		s.cache.StoreTrust(ctx, tr)
	}
	return snap, nil
}

// SweepResult summarizes one decay sweep.
type SweepResult struct {
	Scanned     int
	Compensated int
	Unchanged   int
	Skipped     int
}

// DecaySweep appends one compensating entry for every entry older than the
// configured minimum age whose decayed value differs from its points.
//
// The existence check and the append share a transaction, and the store
// rejects a second decay row for the same original, so overlapping sweeps
// never double-compensate. The sweep stops between items when ctx is done.
func (s *Scheduler) DecaySweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	cutoff := now.Add(-time.Duration(s.cfg.MinAgeDays) * 24 * time.Hour)

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := s.store.DecayCandidates(ctx, cutoff, afterID, s.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			return res, nil
		}

		for _, entry := range batch {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			afterID = entry.ID
			res.Scanned++

			appended, err := s.compensate(ctx, entry, now)
			switch {
			case err != nil:
				return res, err
			case appended == nil:
				res.Unchanged++
			case appended.ID == 0:
				res.Skipped++
			default:
				res.Compensated++
			}
		}
	}
}

// compensate returns nil when the policy leaves the entry unchanged, a zero
// entry when another sweep already compensated it, and the new row otherwise.
func (s *Scheduler) compensate(ctx context.Context, entry models.LedgerEntry, now time.Time) (*models.LedgerEntry, error) {
	ageDays := now.Sub(entry.CreatedAt).Hours() / 24
	adjusted := s.policies.Decay.Apply(entry.Points, ageDays)
	if adjusted == entry.Points {
		return nil, nil
	}
	if !withinBounds(entry.Points, adjusted) {
		s.logger.Error("decay policy result out of bounds, skipping entry",
			"entry_id", entry.ID, "points", entry.Points, "adjusted", adjusted)
		return nil, nil
	}

	var created models.LedgerEntry
	err := s.store.InTx(ctx, func(tx interfaces.LedgerTx) error {
		done, err := tx.HasCompensation(ctx, entry.ID, models.ActionDecay)
		if err != nil || done {
			return err
		}
		id := entry.ID
		created, err = tx.AppendEntry(ctx, models.LedgerEntry{
			UserID:         entry.UserID,
			Domain:         entry.Domain,
			Action:         models.ActionDecay,
			Points:         adjusted - entry.Points,
			EvidenceStatus: entry.EvidenceStatus,
			RelatedEntryID: &id,
			Meta: map[string]any{
				"age_days":        int64(ageDays),
				"adjusted_points": adjusted,
			},
		})
		return err
	})
	if errors.Is(err, interfaces.ErrAlreadyCompensated) {
		return &models.LedgerEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compensate entry %d: %w", entry.ID, err)
	}
	if created.ID == 0 {
		return &created, nil
	}

	s.metrics.DecayCompensations.Inc()
	if s.cache != nil {
		s.cache.Invalidate(ctx, entry.UserID, nil)
		s.cache.Invalidate(ctx, entry.UserID, &entry.Domain)
	}
	return &created, nil
}

func withinBounds(points, adjusted int64) bool {
	if points >= 0 {
		return adjusted >= 0 && adjusted <= points
	}
	return adjusted <= 0 && adjusted >= points
}
