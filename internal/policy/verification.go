package policy

// MaxVerification takes the stronger of the two sources.
type MaxVerification struct{}

func (MaxVerification) EffectiveLevel(external, internal int) int {
	return max(external, internal)
}

// SumVerification adds both sources, so a user vouched for externally and
// internally ranks above either alone.
type SumVerification struct{}

func (SumVerification) EffectiveLevel(external, internal int) int {
	return external + internal
}
