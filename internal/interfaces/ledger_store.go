package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// ErrAlreadyCompensated is returned by AppendEntry when a decay compensation
// for the same original entry already exists.
var ErrAlreadyCompensated = errors.New("entry already has a decay compensation")

// EntryStore is the read side of the append-only ledger plus the entry point
// for transactional writes. Implementations must reject in-place updates and
// deletes of ledger rows at the storage boundary.
type EntryStore interface {
	GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error)
	QueryEntries(ctx context.Context, filter models.EntryFilter, order models.Order, page models.Page) ([]models.LedgerEntry, int, error)
	CountEntries(ctx context.Context, filter models.EntryFilter) (int, error)
	SumPoints(ctx context.Context, filter models.EntryFilter) (int64, error)

	// PointsByUser groups matching entries per user, ordered by each user's
	// first matching entry id.
	PointsByUser(ctx context.Context, filter models.EntryFilter) ([]models.UserPoints, error)

	// DecayCandidates returns entries created before cutoff with id > afterID,
	// ascending by id, excluding decay rows and rows already compensated.
	DecayCandidates(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]models.LedgerEntry, error)

	// LookupKey returns the idempotency record for key.
	LookupKey(ctx context.Context, key string) (models.IdempotencyRecord, error)

	LatestFlag(ctx context.Context, entryID int64) (*models.FlagEvent, error)

	// InTx runs fn in one atomic unit. Nothing fn writes is visible unless
	// fn returns nil and the commit succeeds.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is the write side of the ledger, only reachable inside InTx.
type LedgerTx interface {
	IdempotencyIndex

	GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error)

	// AppendEntry assigns id and created_at and persists the entry.
	AppendEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error)

	// HasCompensation reports whether an entry with the given action already
	// references origID.
	HasCompensation(ctx context.Context, origID int64, action string) (bool, error)

	AppendFlag(ctx context.Context, flag models.FlagEvent) (models.FlagEvent, error)
}

// IdempotencyIndex maps caller keys to the entry they produced. Exclusivity
// comes from a uniqueness constraint on the key, never from process locks.
type IdempotencyIndex interface {
	// ReserveKey creates an unlinked record for an unseen key and reports
	// Reserved, or reports the entry an earlier caller linked.
	ReserveKey(ctx context.Context, rec models.IdempotencyRecord) (models.Reservation, error)

	// LinkKey sets the entry of a reserved key. A key is linked at most once.
	LinkKey(ctx context.Context, key string, entryID int64) error
}

// VerificationStore holds the append-only verification signal stream.
type VerificationStore interface {
	AppendVerification(ctx context.Context, v models.Verification) (models.Verification, error)

	// MaxVerificationLevel returns the highest level recorded for the user and
	// source, or 0 when none exists.
	MaxVerificationLevel(ctx context.Context, userID string, source models.VerificationSource) (int, error)
}

// SnapshotStore persists trust snapshots. Rows are only ever inserted.
type SnapshotStore interface {
	AppendTrustSnapshot(ctx context.Context, s models.TrustSnapshot) (models.TrustSnapshot, error)
	LatestTrustSnapshot(ctx context.Context, userID string, domain *string) (models.TrustSnapshot, error)
}

// DisputeStore persists dispute records. It never touches ledger rows.
type DisputeStore interface {
	CreateDispute(ctx context.Context, d models.Dispute) (models.Dispute, error)
	GetDispute(ctx context.Context, id int64) (models.Dispute, error)
	ListDisputes(ctx context.Context, status *models.DisputeStatus, page models.Page) ([]models.Dispute, error)

	// ResolveDispute moves an open dispute to a terminal status. It fails with
	// errs.InvalidTransition when the dispute is no longer open.
	ResolveDispute(ctx context.Context, id int64, status models.DisputeStatus, resolvedBy string, note *string, at time.Time) (models.Dispute, error)
}

// StatsStore summarizes the whole store.
type StatsStore interface {
	Stats(ctx context.Context) (models.Stats, error)
}

// Store is everything a full backend provides.
type Store interface {
	EntryStore
	VerificationStore
	SnapshotStore
	DisputeStore
	StatsStore
	Close() error
}
