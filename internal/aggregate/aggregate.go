// Package aggregate derives balances, trust scores and leaderboards from the
// ledger. Nothing computed here is stored as a source of truth; every value
// can be re-derived from entries and verifications at any time.
package aggregate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
	"github.com/sheikh-saqib/karma-ledger/internal/policy"
)

var tracer = otel.Tracer("karma.aggregate")

// Source is the read surface the aggregator needs.
type Source interface {
	interfaces.EntryStore
	interfaces.VerificationStore
	interfaces.StatsStore
}

// Aggregator is stateless apart from its dependencies and safe for
// concurrent use.
type Aggregator struct {
	src      Source
	policies *policy.Registry
	clock    interfaces.Clock
}

type Option func(*Aggregator)

func WithClock(c interfaces.Clock) Option { return func(a *Aggregator) { a.clock = c } }

func New(src Source, policies *policy.Registry, opts ...Option) *Aggregator {
	a := &Aggregator{src: src, policies: policies, clock: interfaces.SystemClock{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Balance is the sum of points over the user's entries, optionally within
// one domain. An empty ledger sums to 0.
func (a *Aggregator) Balance(ctx context.Context, userID string, domain *string) (int64, error) {
	return a.src.SumPoints(ctx, models.EntryFilter{UserID: &userID, Domain: domain})
}

// VerificationLevel combines the per-source maxima through the configured
// provider.
func (a *Aggregator) VerificationLevel(ctx context.Context, userID string) (int, error) {
	external, err := a.src.MaxVerificationLevel(ctx, userID, models.SourceExternal)
	if err != nil {
		return 0, err
	}
	internal, err := a.src.MaxVerificationLevel(ctx, userID, models.SourceInternal)
	if err != nil {
		return 0, err
	}
	return a.policies.Verification.EffectiveLevel(external, internal), nil
}

// TrustResult is a derived trust value with its inputs.
type TrustResult struct {
	UserID            string  `json:"user_id"`
	Domain            *string `json:"domain,omitempty"`
	Trust             float64 `json:"trust"`
	Balance           int64   `json:"karma_balance"`
	VerificationLevel int     `json:"verification_level"`
}

func (a *Aggregator) Trust(ctx context.Context, userID string, domain *string) (TrustResult, error) {
	ctx, span := tracer.Start(ctx, "aggregate.Trust", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	balance, err := a.Balance(ctx, userID, domain)
	if err != nil {
		return TrustResult{}, err
	}
	level, err := a.VerificationLevel(ctx, userID)
	if err != nil {
		return TrustResult{}, err
	}
	trust := a.policies.Trust.Compute(balance, level)
	if trust < 0 {
		trust = 0
	}
	return TrustResult{
		UserID:            userID,
		Domain:            domain,
		Trust:             trust,
		Balance:           balance,
		VerificationLevel: level,
	}, nil
}

// Mode selects how raw point sums become leaderboard scores.
type Mode string

const (
	ModeSum             Mode = "sum"
	ModeTrustWeighted   Mode = "trust_weighted"
	ModeRecencyWeighted Mode = "recency_weighted"
)

const defaultRecencyWindowDays = 7

// LeaderboardQuery selects and scores the leaderboard population.
type LeaderboardQuery struct {
	Domain            *string
	SinceDays         *int
	Mode              Mode
	RecencyWindowDays int
	Limit             int
}

// Leaderboard sums points per user, applies the scoring mode and hands the
// result to the configured strategy. Input to the strategy is ordered by
// each user's first entry in the window.
func (a *Aggregator) Leaderboard(ctx context.Context, q LeaderboardQuery) ([]models.UserScore, error) {
	ctx, span := tracer.Start(ctx, "aggregate.Leaderboard", trace.WithAttributes(attribute.String("mode", string(q.Mode))))
	defer span.End()

	if q.Mode == "" {
		q.Mode = ModeSum
	}
	if q.SinceDays != nil && *q.SinceDays < 0 {
		return nil, errs.E(errs.InvalidInput, "since_days must be >= 0")
	}
	if q.RecencyWindowDays < 0 {
		return nil, errs.E(errs.InvalidInput, "recency_window_days must be >= 0")
	}

	now := a.clock.Now()
	filter := models.EntryFilter{Domain: q.Domain}
	if q.SinceDays != nil {
		filter.Since = daysBefore(now, *q.SinceDays)
	}
	totals, err := a.src.PointsByUser(ctx, filter)
	if err != nil {
		return nil, err
	}

	scores := make([]models.UserScore, len(totals))
	for i, t := range totals {
		scores[i] = models.UserScore{UserID: t.UserID, Points: t.Points, Score: float64(t.Points)}
	}

	switch q.Mode {
	case ModeSum:
	case ModeTrustWeighted:
		for i := range scores {
			tr, err := a.Trust(ctx, scores[i].UserID, q.Domain)
			if err != nil {
				return nil, err
			}
			scores[i].Score = decimal.NewFromInt(scores[i].Points).
				Mul(decimal.NewFromFloat(1 + tr.Trust)).
				InexactFloat64()
		}
	case ModeRecencyWeighted:
		window := q.RecencyWindowDays
		if window == 0 {
			window = defaultRecencyWindowDays
		}
		recentFilter := filter
		recentFilter.Since = daysBefore(now, window)
		if filter.Since != nil && filter.Since.After(*recentFilter.Since) {
			recentFilter.Since = filter.Since
		}
		recent, err := a.src.PointsByUser(ctx, recentFilter)
		if err != nil {
			return nil, err
		}
		bonus := make(map[string]int64, len(recent))
		for _, r := range recent {
			bonus[r.UserID] = r.Points
		}
		for i := range scores {
			scores[i].Score = float64(scores[i].Points + bonus[scores[i].UserID])
		}
	default:
		return nil, errs.E(errs.InvalidInput, "unknown leaderboard mode %q", q.Mode)
	}

	ranked := a.policies.Leaderboard.Rank(scores)
	limit := models.Page{Limit: q.Limit}.Clamp().Limit
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// Stats summarizes the whole store.
func (a *Aggregator) Stats(ctx context.Context) (models.Stats, error) {
	return a.src.Stats(ctx)
}

func daysBefore(now time.Time, days int) *time.Time {
	t := now.Add(-time.Duration(days) * 24 * time.Hour)
	return &t
}
