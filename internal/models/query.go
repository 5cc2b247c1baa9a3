package models

import "time"

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// EntryFilter selects ledger entries. Nil fields are unconstrained.
type EntryFilter struct {
	UserID *string
	Domain *string
	Action *string
	Since  *time.Time // inclusive
	Before *time.Time // exclusive
}

// Order is the sort direction of an entry query over created_at.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Page is an offset/limit window over a query result.
type Page struct {
	Limit  int
	Offset int
}

// Clamp bounds the page to [1, MaxPageSize] items and a non-negative offset.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Stats is a store-wide summary.
type Stats struct {
	TotalUsers       int   `json:"total_users"`
	VerifiedUsers    int   `json:"verified_users"`
	DisputesOpen     int   `json:"disputes_open"`
	LedgerEntries    int   `json:"ledger_entries"`
	KarmaPositiveSum int64 `json:"karma_positive_sum"`
	KarmaNegativeSum int64 `json:"karma_negative_sum"`
}

// StrPtr returns a pointer to s, or nil when s is empty.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
