package models

import "time"

// IdempotencyRecord maps a caller-supplied key to the ledger entry it produced.
// LedgerEntryID is nil only while the producing write is in flight.
type IdempotencyRecord struct {
	Key           string    `json:"key"`
	UserID        string    `json:"user_id"`
	Domain        string    `json:"domain"`
	Action        string    `json:"action"`
	LedgerEntryID *int64    `json:"ledger_entry_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Reservation is the outcome of reserving an idempotency key.
type Reservation struct {
	// Reserved is true when this caller now owns the key and must append.
	Reserved bool
	// EntryID is the entry a previous caller produced, if linked.
	EntryID *int64
}

// Existing reports whether the key already produced an entry.
func (r Reservation) Existing() bool {
	return !r.Reserved && r.EntryID != nil
}
