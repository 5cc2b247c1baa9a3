package policy

import (
	"slices"
	"strings"

	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// ScoreDesc orders by score, highest first. Ties keep input order, which
// the aggregator supplies as order of first appearance in the ledger.
type ScoreDesc struct{}

func (ScoreDesc) Rank(scores []models.UserScore) []models.UserScore {
	out := slices.Clone(scores)
	slices.SortStableFunc(out, func(a, b models.UserScore) int {
		return compareScore(b.Score, a.Score)
	})
	return out
}

// ScoreThenUser orders by score, highest first, breaking ties by user id
// ascending.
type ScoreThenUser struct{}

func (ScoreThenUser) Rank(scores []models.UserScore) []models.UserScore {
	out := slices.Clone(scores)
	slices.SortStableFunc(out, func(a, b models.UserScore) int {
		if c := compareScore(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

func compareScore(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
