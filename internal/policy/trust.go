package policy

import (
	"math"

	"github.com/shopspring/decimal"
)

// LinearTrust computes base + multiplier*balance + verification_weight*level,
// floored at zero. Arithmetic is decimal so configured fractions such as 0.1
// do not accumulate binary rounding error.
type LinearTrust struct {
	Base               float64  `yaml:"base"`
	Multiplier         float64  `yaml:"multiplier" validate:"gte=0"`
	VerificationWeight *float64 `yaml:"verification_weight" validate:"omitempty,gte=0"`
}

func (l LinearTrust) Compute(balance int64, verificationLevel int) float64 {
	trust := decimal.NewFromFloat(l.Base).
		Add(decimal.NewFromFloat(l.Multiplier).Mul(decimal.NewFromInt(balance))).
		Add(decimal.NewFromFloat(verificationWeight(l.VerificationWeight)).Mul(decimal.NewFromInt(int64(verificationLevel))))
	return floorZero(trust)
}

// LogScaledTrust dampens large balances: base + multiplier*sign(b)*ln(1+|b|)
// + verification_weight*level, floored at zero.
type LogScaledTrust struct {
	Base               float64  `yaml:"base"`
	Multiplier         float64  `yaml:"multiplier" validate:"gte=0"`
	VerificationWeight *float64 `yaml:"verification_weight" validate:"omitempty,gte=0"`
}

func (l LogScaledTrust) Compute(balance int64, verificationLevel int) float64 {
	scaled := math.Log1p(math.Abs(float64(balance)))
	if balance < 0 {
		scaled = -scaled
	}
	trust := decimal.NewFromFloat(l.Base).
		Add(decimal.NewFromFloat(l.Multiplier).Mul(decimal.NewFromFloat(scaled))).
		Add(decimal.NewFromFloat(verificationWeight(l.VerificationWeight)).Mul(decimal.NewFromInt(int64(verificationLevel))))
	return floorZero(trust)
}

func verificationWeight(w *float64) float64 {
	if w == nil {
		return 0.5
	}
	return *w
}

func floorZero(d decimal.Decimal) float64 {
	if d.IsNegative() {
		return 0
	}
	return d.InexactFloat64()
}
