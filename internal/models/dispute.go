package models

import "time"

// DisputeStatus is the state of a dispute. Open is the only non-terminal state.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
	DisputeRejected DisputeStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolved || s == DisputeRejected
}

// Valid reports whether s is a known status.
func (s DisputeStatus) Valid() bool {
	return s == DisputeOpen || s.Terminal()
}

// Dispute is an audit annotation over a ledger entry.
type Dispute struct {
	ID             int64         `json:"id" db:"id"`
	LedgerEntryID  int64         `json:"ledger_entry_id" db:"ledger_entry_id"`
	OpenedBy       string        `json:"opened_by" db:"opened_by"`
	Reason         string        `json:"reason" db:"reason"`
	Status         DisputeStatus `json:"status" db:"status"`
	ResolutionNote *string       `json:"resolution_note,omitempty" db:"resolution_note"`
	ResolvedBy     *string       `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty" db:"-"`
	CreatedAt      time.Time     `json:"created_at" db:"-"`
}
