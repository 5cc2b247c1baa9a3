// Package ledger implements the write side of the karma ledger: awards,
// reversals and evidence flags. Every effect is a new append; nothing here
// ever rewrites a stored entry.
package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/metrics"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
	"github.com/sheikh-saqib/karma-ledger/internal/models/events"
	"github.com/sheikh-saqib/karma-ledger/internal/policy"
)

var tracer = otel.Tracer("karma.ledger")

const (
	rateWindow          = 24 * time.Hour
	defaultReserveTries = 5
	reserveBackoff      = 20 * time.Millisecond
)

// Ledger is the main struct of the write path.
// It holds the store, the resolved policies and the action catalog.
type Ledger struct {
	store       interfaces.EntryStore
	policies    *policy.Registry
	actions     ActionCatalog
	invalidator interfaces.CacheInvalidator
	publisher   interfaces.EventPublisher
	topic       string
	clock       interfaces.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tries       int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithInvalidator sets the cache invalidated after each successful write.
func WithInvalidator(inv interfaces.CacheInvalidator) Option {
	return func(l *Ledger) { l.invalidator = inv }
}

// WithPublisher publishes entry and flag events to topic, best-effort.
func WithPublisher(p interfaces.EventPublisher, topic string) Option {
	return func(l *Ledger) {
		l.publisher = p
		l.topic = topic
	}
}

func WithClock(c interfaces.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithReserveTries bounds how often Award re-reads an idempotency key that
// another writer reserved but has not linked yet.
func WithReserveTries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.tries = n
		}
	}
}

// NewLedger creates a Ledger over store.
func NewLedger(store interfaces.EntryStore, policies *policy.Registry, actions ActionCatalog, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		policies: policies,
		actions:  actions,
		clock:    interfaces.SystemClock{},
		logger:   slog.Default(),
		tries:    defaultReserveTries,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.NewNop()
	}
	return l
}

// AwardRequest is the input of Award. IdempotencyKey is optional; when set,
// any number of calls with the same key produce at most one entry.
type AwardRequest struct {
	UserID         string
	Domain         string
	Action         string
	EvidenceRef    *string
	IdempotencyKey string
	Meta           map[string]any
}

// AwardResult carries the entry and whether it was produced by an earlier
// call with the same idempotency key.
type AwardResult struct {
	Entry    models.LedgerEntry
	Replayed bool
}

// Award grants the configured points for (domain, action) to a user.
//
// The daily cap is checked against a count taken outside the append
// transaction, so concurrent awards can briefly overshoot it.
func (l *Ledger) Award(ctx context.Context, req AwardRequest) (res AwardResult, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Award", trace.WithAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("domain", req.Domain),
		attribute.String("action", req.Action),
	))
	defer func() { l.finish(span, "award", err) }()
	start := time.Now()
	defer func() {
		l.metrics.LedgerOpDuration.WithLabelValues("award").Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			l.metrics.Awards.WithLabelValues(req.Domain, "rejected").Inc()
		case res.Replayed:
			l.metrics.Awards.WithLabelValues(req.Domain, "replayed").Inc()
		default:
			l.metrics.Awards.WithLabelValues(req.Domain, "created").Inc()
		}
	}()

	if req.UserID == "" || req.Domain == "" || req.Action == "" {
		return AwardResult{}, errs.E(errs.InvalidInput, "user_id, domain and action are required")
	}
	rule, ok := l.actions.Lookup(req.Domain, req.Action)
	if !ok {
		return AwardResult{}, errs.E(errs.UnknownAction, "unknown domain/action: %s/%s", req.Domain, req.Action)
	}
	if rule.RequiresEvidence && blank(req.EvidenceRef) {
		return AwardResult{}, errs.E(errs.EvidenceRequired, "evidence is required for %s/%s", req.Domain, req.Action)
	}

	// A retry of a completed award returns the original entry even if the
	// cap has been reached since.
	if req.IdempotencyKey != "" {
		if entry, ok, err := l.linkedEntry(ctx, req.IdempotencyKey); err != nil {
			return AwardResult{}, err
		} else if ok {
			return AwardResult{Entry: entry, Replayed: true}, nil
		}
	}

	if rule.MaxPerDay != nil {
		since := l.clock.Now().Add(-rateWindow)
		n, err := l.store.CountEntries(ctx, models.EntryFilter{
			UserID: &req.UserID,
			Domain: &req.Domain,
			Action: &req.Action,
			Since:  &since,
		})
		if err != nil {
			return AwardResult{}, err
		}
		if n >= *rule.MaxPerDay {
			return AwardResult{}, errs.E(errs.RateCap, "daily limit of %d reached for %s/%s", *rule.MaxPerDay, req.Domain, req.Action)
		}
	}

	entry := models.LedgerEntry{
		UserID:         req.UserID,
		Domain:         req.Domain,
		Action:         req.Action,
		Points:         rule.Points,
		EvidenceRef:    req.EvidenceRef,
		EvidenceStatus: l.policies.Evidence.Validate(req.EvidenceRef),
		Meta:           req.Meta,
	}

	res, err = l.appendIdempotent(ctx, entry, req.IdempotencyKey)
	if err != nil {
		return AwardResult{}, err
	}
	if !res.Replayed {
		l.afterAppend(ctx, res.Entry)
	}
	return res, nil
}

// appendIdempotent appends entry, reserving and linking key in the same
// transaction. A key that is reserved but not yet linked belongs to a writer
// still in flight; the lookup is retried a bounded number of times.
func (l *Ledger) appendIdempotent(ctx context.Context, entry models.LedgerEntry, key string) (AwardResult, error) {
	for attempt := 0; attempt < l.tries; attempt++ {
		var (
			created     models.LedgerEntry
			reservation models.Reservation
		)
		err := l.store.InTx(ctx, func(tx interfaces.LedgerTx) error {
			if key != "" {
				var err error
				reservation, err = tx.ReserveKey(ctx, models.IdempotencyRecord{
					Key:    key,
					UserID: entry.UserID,
					Domain: entry.Domain,
					Action: entry.Action,
				})
				if err != nil {
					return err
				}
				if !reservation.Reserved {
					return nil
				}
			}

			var err error
			created, err = tx.AppendEntry(ctx, entry)
			if err != nil {
				return err
			}
			if key != "" {
				return tx.LinkKey(ctx, key, created.ID)
			}
			return nil
		})
		switch {
		case err != nil && errs.Retryable(err):
			l.logger.Debug("append conflict, retrying", "attempt", attempt+1, "error", err)
		case err != nil:
			return AwardResult{}, err
		case key == "" || reservation.Reserved:
			return AwardResult{Entry: created}, nil
		case reservation.Existing():
			existing, err := l.store.GetEntry(ctx, *reservation.EntryID)
			if err != nil {
				return AwardResult{}, err
			}
			return AwardResult{Entry: existing, Replayed: true}, nil
		}

		if err := sleep(ctx, reserveBackoff*time.Duration(attempt+1)); err != nil {
			return AwardResult{}, err
		}
	}
	return AwardResult{}, errs.E(errs.Conflict, "idempotency key %q is held by an in-flight request", key)
}

func (l *Ledger) linkedEntry(ctx context.Context, key string) (models.LedgerEntry, bool, error) {
	rec, err := l.store.LookupKey(ctx, key)
	if errs.KindOf(err) == errs.NotFound {
		return models.LedgerEntry{}, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	if rec.LedgerEntryID == nil {
		return models.LedgerEntry{}, false, nil
	}
	entry, err := l.store.GetEntry(ctx, *rec.LedgerEntryID)
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

// Reverse appends an entry cancelling originalID. Only the subject of the
// original entry may reverse it, and only once.
func (l *Ledger) Reverse(ctx context.Context, userID string, originalID int64) (_ models.LedgerEntry, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Reverse", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("original_id", originalID),
	))
	defer func() { l.finish(span, "reverse", err) }()

	var reversal models.LedgerEntry
	err = l.store.InTx(ctx, func(tx interfaces.LedgerTx) error {
		orig, err := tx.GetEntry(ctx, originalID)
		if err != nil {
			return err
		}
		if orig.UserID != userID {
			return errs.E(errs.Permission, "cannot reverse another user's entry")
		}
		action := models.ReversePrefix + orig.Action
		done, err := tx.HasCompensation(ctx, orig.ID, action)
		if err != nil {
			return err
		}
		if done {
			return errs.E(errs.InvalidTransition, "entry %d is already reversed", orig.ID)
		}

		reversal, err = tx.AppendEntry(ctx, models.LedgerEntry{
			UserID:         orig.UserID,
			Domain:         orig.Domain,
			Action:         action,
			Points:         -orig.Points,
			EvidenceRef:    orig.EvidenceRef,
			EvidenceStatus: orig.EvidenceStatus,
			RelatedEntryID: &orig.ID,
		})
		return err
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}

	l.metrics.Reversals.Inc()
	l.afterAppend(ctx, reversal)
	return reversal, nil
}

// FlagEvidence records a manual re-classification of an entry's evidence.
// Only yellow and red may be set by hand; green is the validator's call.
func (l *Ledger) FlagEvidence(ctx context.Context, entryID int64, status models.EvidenceStatus) (_ models.FlagEvent, err error) {
	ctx, span := tracer.Start(ctx, "ledger.FlagEvidence", trace.WithAttributes(
		attribute.Int64("entry_id", entryID),
		attribute.String("status", string(status)),
	))
	defer func() { l.finish(span, "flag", err) }()

	if status != models.EvidenceYellow && status != models.EvidenceRed {
		return models.FlagEvent{}, errs.E(errs.InvalidStatus, "invalid flag status %q", status)
	}

	var flag models.FlagEvent
	err = l.store.InTx(ctx, func(tx interfaces.LedgerTx) error {
		if _, err := tx.GetEntry(ctx, entryID); err != nil {
			return err
		}
		var err error
		flag, err = tx.AppendFlag(ctx, models.FlagEvent{LedgerEntryID: entryID, Status: status})
		return err
	})
	if err != nil {
		return models.FlagEvent{}, err
	}

	l.metrics.Flags.Inc()
	l.publish(ctx, events.New(events.TypeEvidenceFlagged, events.EvidenceFlagged{
		FlagID:  flag.ID,
		EntryID: entryID,
		Status:  string(status),
	}, flag.CreatedAt))
	return flag, nil
}

// EntryView is an entry as readers see it. EvidenceStatus is the effective
// status; Flag is the manual flag that set it, nil when the validator's
// status still stands.
type EntryView struct {
	models.LedgerEntry
	Flag *models.FlagEvent `json:"flag,omitempty"`
}

// Entry returns one entry with its effective evidence status.
func (l *Ledger) Entry(ctx context.Context, entryID int64) (EntryView, error) {
	entry, err := l.store.GetEntry(ctx, entryID)
	if err != nil {
		return EntryView{}, err
	}
	flag, err := l.store.LatestFlag(ctx, entryID)
	if err != nil {
		return EntryView{}, err
	}
	if flag != nil {
		entry.EvidenceStatus = flag.Status
	}
	return EntryView{LedgerEntry: entry, Flag: flag}, nil
}

// afterAppend runs the post-commit side effects. Neither can fail the write.
func (l *Ledger) afterAppend(ctx context.Context, entry models.LedgerEntry) {
	if l.invalidator != nil {
		l.invalidator.Invalidate(ctx, entry.UserID, nil)
		l.invalidator.Invalidate(ctx, entry.UserID, &entry.Domain)
	}
	l.publish(ctx, events.New(events.TypeEntryAppended, events.EntryAppended{
		EntryID:        entry.ID,
		UserID:         entry.UserID,
		Domain:         entry.Domain,
		Action:         entry.Action,
		Points:         entry.Points,
		EvidenceStatus: string(entry.EvidenceStatus),
		RelatedEntryID: entry.RelatedEntryID,
		CreatedAt:      entry.CreatedAt,
	}, entry.CreatedAt))
}

func (l *Ledger) publish(ctx context.Context, env events.Envelope) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, l.topic, env); err != nil {
		l.logger.Warn("publish event failed", "type", env.Type, "id", env.ID, "error", err)
	}
}

func (l *Ledger) finish(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := errs.KindOf(err); kind != errs.Internal {
			l.metrics.Rejections.WithLabelValues(kind.String()).Inc()
		} else {
			l.logger.Error("ledger operation failed", "op", op, "error", err)
		}
	}
	span.End()
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
