package models

import (
	"strings"
	"time"
)

// EvidenceStatus is the validation outcome attached to a ledger entry.
type EvidenceStatus string

const (
	EvidenceGreen  EvidenceStatus = "green"
	EvidenceYellow EvidenceStatus = "yellow"
	EvidenceRed    EvidenceStatus = "red"
)

// Valid reports whether s is one of the known statuses.
func (s EvidenceStatus) Valid() bool {
	switch s {
	case EvidenceGreen, EvidenceYellow, EvidenceRed:
		return true
	}
	return false
}

const (
	// ActionDecay marks compensating entries written by the decay sweep.
	ActionDecay = "decay"

	// ReversePrefix is prepended to the original action of a reversal entry.
	ReversePrefix = "reverse:"
)

// LedgerEntry is one immutable point-granting or point-adjusting fact.
// Corrections are new entries pointing back through RelatedEntryID.
type LedgerEntry struct {
	ID             int64          `json:"id" db:"id"`
	UserID         string         `json:"user_id" db:"user_id"`
	Domain         string         `json:"domain" db:"domain"`
	Action         string         `json:"action" db:"action"`
	Points         int64          `json:"points" db:"points"` // signed
	EvidenceRef    *string        `json:"evidence_ref,omitempty" db:"evidence_ref"`
	EvidenceStatus EvidenceStatus `json:"evidence_status" db:"evidence_status"`
	RelatedEntryID *int64         `json:"related_entry_id,omitempty" db:"related_entry_id"`
	Meta           map[string]any `json:"meta,omitempty" db:"-"`
	CreatedAt      time.Time      `json:"created_at" db:"-"`
}

// IsReversal reports whether the entry reverses another one.
func (e LedgerEntry) IsReversal() bool {
	return strings.HasPrefix(e.Action, ReversePrefix) && e.RelatedEntryID != nil
}

// IsDecay reports whether the entry is a decay compensation.
func (e LedgerEntry) IsDecay() bool {
	return e.Action == ActionDecay && e.RelatedEntryID != nil
}

// Clone returns a deep copy so callers cannot reach into stored state.
func (e LedgerEntry) Clone() LedgerEntry {
	out := e
	if e.EvidenceRef != nil {
		ref := *e.EvidenceRef
		out.EvidenceRef = &ref
	}
	if e.RelatedEntryID != nil {
		id := *e.RelatedEntryID
		out.RelatedEntryID = &id
	}
	if e.Meta != nil {
		out.Meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// FlagEvent records a manual evidence re-classification of an entry.
// The entry row itself is never rewritten.
type FlagEvent struct {
	ID            int64          `json:"id" db:"id"`
	LedgerEntryID int64          `json:"ledger_entry_id" db:"ledger_entry_id"`
	Status        EvidenceStatus `json:"status" db:"status"`
	CreatedAt     time.Time      `json:"created_at" db:"-"`
}

// UserPoints is a per-user point sum used by leaderboards.
type UserPoints struct {
	UserID string `db:"user_id"`
	Points int64  `db:"points"`
}
