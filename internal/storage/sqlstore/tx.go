package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// sqlTx is the write side handed to InTx callbacks.
type sqlTx struct {
	s  *Store
	tx *sqlx.Tx
}

func (t *sqlTx) GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error) {
	return t.s.getEntry(ctx, t.tx, id)
}

func (t *sqlTx) AppendEntry(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	meta, err := marshalMeta(e.Meta)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if !e.EvidenceStatus.Valid() {
		e.EvidenceStatus = models.EvidenceGreen
	}
	e.CreatedAt = t.s.stamp()

	var id int64
	err = t.tx.QueryRowxContext(ctx, t.tx.Rebind(`
		INSERT INTO ledger_entries
		(user_id, domain, action, points, evidence_ref, evidence_status, related_entry_id, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		e.UserID,
		e.Domain,
		e.Action,
		e.Points,
		nullString(e.EvidenceRef),
		string(e.EvidenceStatus),
		nullInt64(e.RelatedEntryID),
		meta,
		toMicros(e.CreatedAt),
	).Scan(&id)
	if err != nil {
		if t.s.dialect.IsUniqueViolation(err) {
			switch {
			case e.IsDecay():
				return models.LedgerEntry{}, fmt.Errorf("append entry: %w", interfaces.ErrAlreadyCompensated)
			case e.IsReversal():
				return models.LedgerEntry{}, errs.E(errs.InvalidTransition, "entry %d is already reversed", *e.RelatedEntryID)
			}
		}
		return models.LedgerEntry{}, t.s.classify(err, "append entry")
	}
	e.ID = id
	return e.Clone(), nil
}

func (t *sqlTx) HasCompensation(ctx context.Context, origID int64, action string) (bool, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, t.tx.Rebind(
		`SELECT COUNT(*) FROM ledger_entries WHERE related_entry_id = ? AND action = ?`), origID, action)
	if err != nil {
		return false, t.s.classify(err, "has compensation")
	}
	return n > 0, nil
}

func (t *sqlTx) AppendFlag(ctx context.Context, f models.FlagEvent) (models.FlagEvent, error) {
	f.CreatedAt = t.s.stamp()
	err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(`
		INSERT INTO evidence_flags (ledger_entry_id, status, created_at)
		VALUES (?, ?, ?)
		RETURNING id
	`), f.LedgerEntryID, string(f.Status), toMicros(f.CreatedAt)).Scan(&f.ID)
	if err != nil {
		return models.FlagEvent{}, t.s.classify(err, "append flag")
	}
	return f, nil
}

// ReserveKey claims the key through the unique constraint. When a concurrent
// writer holds an uncommitted claim the insert waits for it, then observes the
// conflict and falls through to the lookup.
func (t *sqlTx) ReserveKey(ctx context.Context, rec models.IdempotencyRecord) (models.Reservation, error) {
	result, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO idempotency_keys (idem_key, user_id, domain, action, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (idem_key) DO NOTHING
	`), rec.Key, rec.UserID, rec.Domain, rec.Action, toMicros(t.s.clock.Now()))
	if err != nil {
		return models.Reservation{}, t.s.classify(err, "reserve key")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return models.Reservation{}, fmt.Errorf("reserve key: rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return models.Reservation{Reserved: true}, nil
	}

	var linked sql.NullInt64
	err = t.tx.GetContext(ctx, &linked, t.tx.Rebind(
		`SELECT ledger_entry_id FROM idempotency_keys WHERE idem_key = ?`), rec.Key)
	if err != nil {
		return models.Reservation{}, t.s.classify(err, "reserve key: select existing")
	}
	if !linked.Valid {
		return models.Reservation{}, nil
	}
	id := linked.Int64
	return models.Reservation{EntryID: &id}, nil
}

func (t *sqlTx) LinkKey(ctx context.Context, key string, entryID int64) error {
	result, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE idempotency_keys SET ledger_entry_id = ? WHERE idem_key = ? AND ledger_entry_id IS NULL`), entryID, key)
	if err != nil {
		return t.s.classify(err, "link key")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("link key: rows affected: %w", err)
	}
	if n == 0 {
		return errs.E(errs.AppendOnly, "idempotency key %q is missing or already linked", key)
	}
	return nil
}

var _ interfaces.LedgerTx = (*sqlTx)(nil)
