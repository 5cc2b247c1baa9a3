package models

import "time"

// VerificationSource distinguishes who vouched for a user.
type VerificationSource string

const (
	SourceExternal VerificationSource = "external"
	SourceInternal VerificationSource = "internal"
)

// Valid reports whether s is a known source.
func (s VerificationSource) Valid() bool {
	return s == SourceExternal || s == SourceInternal
}

// Verification is one append-only verification signal.
type Verification struct {
	ID        int64              `json:"id" db:"id"`
	UserID    string             `json:"user_id" db:"user_id"`
	Source    VerificationSource `json:"source" db:"source"`
	Level     int                `json:"level" db:"level"`
	CreatedAt time.Time          `json:"created_at" db:"-"`
}

// TrustSnapshot is a point-in-time copy of a derived trust value.
// It is never authoritative.
type TrustSnapshot struct {
	ID                int64     `json:"id" db:"id"`
	UserID            string    `json:"user_id" db:"user_id"`
	Domain            *string   `json:"domain,omitempty" db:"domain"`
	Trust             float64   `json:"trust" db:"trust"`
	KarmaBalance      int64     `json:"karma_balance" db:"karma_balance"`
	VerificationLevel int       `json:"verification_level" db:"verification_level"`
	ComputedAt        time.Time `json:"computed_at" db:"-"`
}
