// Package disputes implements the dispute state machine. A dispute is an
// audit annotation over a ledger entry; resolving it never touches the entry.
package disputes

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/metrics"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
	"github.com/sheikh-saqib/karma-ledger/internal/models/events"
)

// Workflow opens and resolves disputes.
type Workflow struct {
	entries  interfaces.EntryStore
	store    interfaces.DisputeStore
	notifier interfaces.Notifier
	clock    interfaces.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Workflow)

// WithNotifier delivers dispute events, best-effort.
func WithNotifier(n interfaces.Notifier) Option { return func(w *Workflow) { w.notifier = n } }

func WithClock(c interfaces.Clock) Option { return func(w *Workflow) { w.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Workflow) { w.metrics = m } }

func New(entries interfaces.EntryStore, store interfaces.DisputeStore, opts ...Option) *Workflow {
	w := &Workflow{
		entries: entries,
		store:   store,
		clock:   interfaces.SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.NewNop()
	}
	return w
}

// Open creates a dispute in the open state against an existing entry.
func (w *Workflow) Open(ctx context.Context, entryID int64, openedBy, reason string) (models.Dispute, error) {
	if openedBy == "" {
		return models.Dispute{}, errs.E(errs.InvalidInput, "opened_by is required")
	}
	if strings.TrimSpace(reason) == "" {
		return models.Dispute{}, errs.E(errs.InvalidInput, "reason is required")
	}
	if _, err := w.entries.GetEntry(ctx, entryID); err != nil {
		return models.Dispute{}, err
	}

	d, err := w.store.CreateDispute(ctx, models.Dispute{
		LedgerEntryID: entryID,
		OpenedBy:      openedBy,
		Reason:        reason,
	})
	if err != nil {
		return models.Dispute{}, err
	}
	w.notify(ctx, events.TypeDisputeOpened, d)
	return d, nil
}

// Resolve moves an open dispute to resolved or rejected. A dispute that is
// already terminal cannot be resolved again.
func (w *Workflow) Resolve(ctx context.Context, id int64, resolvedBy string, resolution models.DisputeStatus, note *string) (models.Dispute, error) {
	if !resolution.Terminal() {
		return models.Dispute{}, errs.E(errs.InvalidTransition, "resolution must be %q or %q, got %q",
			models.DisputeResolved, models.DisputeRejected, resolution)
	}
	if resolvedBy == "" {
		return models.Dispute{}, errs.E(errs.InvalidInput, "resolved_by is required")
	}

	d, err := w.store.ResolveDispute(ctx, id, resolution, resolvedBy, note, w.clock.Now())
	if err != nil {
		return models.Dispute{}, err
	}
	w.notify(ctx, events.TypeDisputeResolved, d)
	return d, nil
}

func (w *Workflow) Get(ctx context.Context, id int64) (models.Dispute, error) {
	return w.store.GetDispute(ctx, id)
}

func (w *Workflow) List(ctx context.Context, status *models.DisputeStatus, page models.Page) ([]models.Dispute, error) {
	if status != nil && !status.Valid() {
		return nil, errs.E(errs.InvalidInput, "invalid dispute status %q", *status)
	}
	return w.store.ListDisputes(ctx, status, page)
}

func (w *Workflow) notify(ctx context.Context, eventType string, d models.Dispute) {
	if w.notifier == nil {
		return
	}
	env := events.New(eventType, events.DisputeChanged{
		DisputeID:     d.ID,
		LedgerEntryID: d.LedgerEntryID,
		Status:        string(d.Status),
		OpenedBy:      d.OpenedBy,
		ResolvedBy:    d.ResolvedBy,
		Note:          d.ResolutionNote,
	}, w.clock.Now())
	if err := w.notifier.Notify(ctx, env); err != nil {
		w.metrics.Notifications.WithLabelValues("failed").Inc()
		w.logger.Warn("dispute notification failed", "dispute_id", d.ID, "type", eventType, "error", err)
		return
	}
	w.metrics.Notifications.WithLabelValues("sent").Inc()
}
