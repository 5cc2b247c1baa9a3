// Package policy holds the pluggable capabilities of the ledger and the
// registry that resolves them by name at startup.
//
// Every capability is a pure function of its inputs. Implementations carry
// only the parameters they were configured with.
package policy

import "github.com/sheikh-saqib/karma-ledger/internal/models"

// EvidenceValidator classifies an evidence reference. A nil ref means no
// evidence was supplied.
type EvidenceValidator interface {
	Validate(ref *string) models.EvidenceStatus
}

// TrustFormula maps a karma balance and verification level to a trust score.
// The result is never negative.
type TrustFormula interface {
	Compute(balance int64, verificationLevel int) float64
}

// VerificationProvider combines per-source maxima into an effective level.
// It must be monotonic in both inputs.
type VerificationProvider interface {
	EffectiveLevel(external, internal int) int
}

// DecayPolicy returns the adjusted value of an entry of the given age.
// The result has the same sign as points (or is zero) and never a larger
// magnitude.
type DecayPolicy interface {
	Apply(points int64, ageDays float64) int64
}

// LeaderboardStrategy orders scored users. Ties must be broken
// deterministically; each implementation documents its tiebreak.
type LeaderboardStrategy interface {
	Rank(scores []models.UserScore) []models.UserScore
}
