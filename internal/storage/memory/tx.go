package memory

import (
	"context"
	"fmt"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// memTx is the write side handed to InTx callbacks. The store lock is
// already held, so its methods touch state directly.
type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error) {
	return tx.m.getEntry(id)
}

func (tx *memTx) AppendEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error) {
	m := tx.m
	if entry.RelatedEntryID != nil {
		if _, ok := m.byID[*entry.RelatedEntryID]; !ok {
			return models.LedgerEntry{}, errs.E(errs.NotFound, "related entry %d not found", *entry.RelatedEntryID)
		}
		if entry.Action == models.ActionDecay && m.compensated[*entry.RelatedEntryID] {
			return models.LedgerEntry{}, fmt.Errorf("append entry: %w", interfaces.ErrAlreadyCompensated)
		}
		if entry.IsReversal() && m.reversed[*entry.RelatedEntryID] {
			return models.LedgerEntry{}, errs.E(errs.InvalidTransition, "entry %d is already reversed", *entry.RelatedEntryID)
		}
	}
	if !entry.EvidenceStatus.Valid() {
		entry.EvidenceStatus = models.EvidenceGreen
	}

	m.nextEntryID++
	entry = entry.Clone()
	entry.ID = m.nextEntryID
	entry.CreatedAt = m.stamp()

	m.entries = append(m.entries, entry)
	m.byID[entry.ID] = len(m.entries) - 1
	if entry.IsDecay() {
		m.compensated[*entry.RelatedEntryID] = true
	}
	if entry.IsReversal() {
		m.reversed[*entry.RelatedEntryID] = true
	}

	tx.undo = append(tx.undo, func() {
		m.entries = m.entries[:len(m.entries)-1]
		delete(m.byID, entry.ID)
		if entry.IsDecay() {
			delete(m.compensated, *entry.RelatedEntryID)
		}
		if entry.IsReversal() {
			delete(m.reversed, *entry.RelatedEntryID)
		}
	})
	return entry.Clone(), nil
}

func (tx *memTx) HasCompensation(ctx context.Context, origID int64, action string) (bool, error) {
	if action == models.ActionDecay {
		return tx.m.compensated[origID], nil
	}
	for _, e := range tx.m.entries {
		if e.Action == action && e.RelatedEntryID != nil && *e.RelatedEntryID == origID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) AppendFlag(ctx context.Context, flag models.FlagEvent) (models.FlagEvent, error) {
	m := tx.m
	if _, ok := m.byID[flag.LedgerEntryID]; !ok {
		return models.FlagEvent{}, errs.E(errs.NotFound, "ledger entry %d not found", flag.LedgerEntryID)
	}
	m.nextFlagID++
	flag.ID = m.nextFlagID
	flag.CreatedAt = m.clock.Now().UTC()
	m.flags = append(m.flags, flag)
	prev, hadPrev := m.flagged[flag.LedgerEntryID]
	m.flagged[flag.LedgerEntryID] = flag.Status

	tx.undo = append(tx.undo, func() {
		m.flags = m.flags[:len(m.flags)-1]
		if hadPrev {
			m.flagged[flag.LedgerEntryID] = prev
		} else {
			delete(m.flagged, flag.LedgerEntryID)
		}
	})
	return flag, nil
}

func (tx *memTx) ReserveKey(ctx context.Context, rec models.IdempotencyRecord) (models.Reservation, error) {
	m := tx.m
	if existing, ok := m.keys[rec.Key]; ok {
		return models.Reservation{EntryID: existing.LedgerEntryID}, nil
	}
	rec.LedgerEntryID = nil
	rec.CreatedAt = m.clock.Now().UTC()
	m.keys[rec.Key] = rec

	tx.undo = append(tx.undo, func() { delete(m.keys, rec.Key) })
	return models.Reservation{Reserved: true}, nil
}

func (tx *memTx) LinkKey(ctx context.Context, key string, entryID int64) error {
	m := tx.m
	rec, ok := m.keys[key]
	if !ok {
		return errs.E(errs.NotFound, "idempotency key %q not reserved", key)
	}
	if rec.LedgerEntryID != nil {
		return errs.E(errs.AppendOnly, "idempotency key %q already linked", key)
	}
	prev := rec
	id := entryID
	rec.LedgerEntryID = &id
	m.keys[key] = rec

	tx.undo = append(tx.undo, func() { m.keys[key] = prev })
	return nil
}

var _ interfaces.LedgerTx = (*memTx)(nil)
