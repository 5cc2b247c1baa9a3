package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types published to the outbound notifier and the event bus.
const (
	TypeEntryAppended   = "ledger.entry_appended"
	TypeEvidenceFlagged = "ledger.evidence_flagged"
	TypeDisputeOpened   = "dispute.opened"
	TypeDisputeResolved = "dispute.resolved"
)

// Envelope wraps every outbound event. ID lets consumers drop redeliveries.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// New builds an envelope with a fresh id.
func New(eventType string, data any, at time.Time) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}

type EntryAppended struct {
	EntryID        int64     `json:"entry_id"`
	UserID         string    `json:"user_id"`
	Domain         string    `json:"domain"`
	Action         string    `json:"action"`
	Points         int64     `json:"points"`
	EvidenceStatus string    `json:"evidence_status"`
	RelatedEntryID *int64    `json:"related_entry_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type EvidenceFlagged struct {
	FlagID  int64  `json:"flag_id"`
	EntryID int64  `json:"entry_id"`
	Status  string `json:"status"`
}

type DisputeChanged struct {
	DisputeID     int64   `json:"dispute_id"`
	LedgerEntryID int64   `json:"ledger_entry_id"`
	Status        string  `json:"status"`
	OpenedBy      string  `json:"opened_by"`
	ResolvedBy    *string `json:"resolved_by,omitempty"`
	Note          *string `json:"note,omitempty"`
}
