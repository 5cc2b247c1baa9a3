package policy

import (
	"math"

	"github.com/shopspring/decimal"
)

// NoDecay leaves points untouched.
type NoDecay struct{}

func (NoDecay) Apply(points int64, _ float64) int64 { return points }

// HalfLifeDecay halves the value every HalfLifeDays, truncating toward zero.
type HalfLifeDecay struct {
	HalfLifeDays float64 `yaml:"half_life_days" validate:"gt=0"`
}

func (h HalfLifeDecay) Apply(points int64, ageDays float64) int64 {
	if ageDays <= 0 || h.HalfLifeDays <= 0 {
		return points
	}
	factor := math.Pow(0.5, ageDays/h.HalfLifeDays)
	return decimal.NewFromInt(points).Mul(decimal.NewFromFloat(factor)).Truncate(0).IntPart()
}

// LinearFloorDecay removes RatePerDay points of magnitude per whole day of
// age, stopping at zero.
type LinearFloorDecay struct {
	RatePerDay float64 `yaml:"rate_per_day" validate:"gte=0"`
}

func (l LinearFloorDecay) Apply(points int64, ageDays float64) int64 {
	if ageDays <= 0 || l.RatePerDay <= 0 || points == 0 {
		return points
	}
	lost := decimal.NewFromFloat(l.RatePerDay).Mul(decimal.NewFromFloat(math.Floor(ageDays))).Floor().IntPart()
	magnitude := points
	if magnitude < 0 {
		magnitude = -magnitude
	}
	magnitude = max(magnitude-lost, 0)
	if points < 0 {
		return -magnitude
	}
	return magnitude
}
