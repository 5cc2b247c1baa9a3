package policy

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Spec selects one named implementation. Params are decoded into the
// implementation's own parameter struct.
type Spec struct {
	Name   string    `yaml:"name"`
	Params yaml.Node `yaml:"params"`
}

// Config names the implementation of each capability. A blank name selects
// the default.
type Config struct {
	Evidence     Spec `yaml:"evidence"`
	Trust        Spec `yaml:"trust"`
	Verification Spec `yaml:"verification"`
	Decay        Spec `yaml:"decay"`
	Leaderboard  Spec `yaml:"leaderboard"`
}

// Registry is the resolved capability set, built once at startup and shared
// read-only afterwards.
type Registry struct {
	Evidence     EvidenceValidator
	Trust        TrustFormula
	Verification VerificationProvider
	Decay        DecayPolicy
	Leaderboard  LeaderboardStrategy
}

const (
	DefaultEvidence     = "heuristic"
	DefaultTrust        = "linear"
	DefaultVerification = "max"
	DefaultDecay        = "none"
	DefaultLeaderboard  = "score_desc"
)

type factory[T any] func(params *yaml.Node) (T, error)

var validate = validator.New()

// withParams builds a factory for a parameterized implementation, starting
// from defaults and overlaying the YAML params. Unknown keys and values
// outside the struct's validate tags are errors.
func withParams[T any, P any](defaults P, build func(P) T) factory[T] {
	return func(node *yaml.Node) (T, error) {
		var zero T
		p := defaults
		if node != nil && node.Kind != 0 {
			if err := decodeStrict(node, &p); err != nil {
				return zero, fmt.Errorf("decode params: %w", err)
			}
		}
		if err := validate.Struct(p); err != nil {
			return zero, fmt.Errorf("invalid params: %w", err)
		}
		return build(p), nil
	}
}

// decodeStrict round-trips node through a decoder with KnownFields set;
// yaml.Node.Decode has no strict mode of its own.
func decodeStrict(node *yaml.Node, out any) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(out)
}

func fixed[T any](impl T) factory[T] {
	return func(*yaml.Node) (T, error) { return impl, nil }
}

var (
	evidenceImpls = map[string]factory[EvidenceValidator]{
		"heuristic":  withParams(HeuristicEvidence{FlagPrefix: "flag:"}, func(p HeuristicEvidence) EvidenceValidator { return p }),
		"accept_all": fixed[EvidenceValidator](AcceptAllEvidence{}),
	}
	trustImpls = map[string]factory[TrustFormula]{
		"linear":     withParams(LinearTrust{Multiplier: 0.1}, func(p LinearTrust) TrustFormula { return p }),
		"log_scaled": withParams(LogScaledTrust{Multiplier: 1}, func(p LogScaledTrust) TrustFormula { return p }),
	}
	verificationImpls = map[string]factory[VerificationProvider]{
		"max": fixed[VerificationProvider](MaxVerification{}),
		"sum": fixed[VerificationProvider](SumVerification{}),
	}
	decayImpls = map[string]factory[DecayPolicy]{
		"none":         fixed[DecayPolicy](NoDecay{}),
		"half_life":    withParams(HalfLifeDecay{HalfLifeDays: 90}, func(p HalfLifeDecay) DecayPolicy { return p }),
		"linear_floor": withParams(LinearFloorDecay{RatePerDay: 1}, func(p LinearFloorDecay) DecayPolicy { return p }),
	}
	leaderboardImpls = map[string]factory[LeaderboardStrategy]{
		"score_desc":      fixed[LeaderboardStrategy](ScoreDesc{}),
		"score_then_user": fixed[LeaderboardStrategy](ScoreThenUser{}),
	}
)

// Load resolves every capability named in cfg. An unknown name or params
// that do not decode is returned as an error; callers treat it as fatal.
func Load(cfg Config) (*Registry, error) {
	var (
		r   Registry
		err error
	)
	if r.Evidence, err = resolve("evidence", cfg.Evidence, DefaultEvidence, evidenceImpls); err != nil {
		return nil, err
	}
	if r.Trust, err = resolve("trust", cfg.Trust, DefaultTrust, trustImpls); err != nil {
		return nil, err
	}
	if r.Verification, err = resolve("verification", cfg.Verification, DefaultVerification, verificationImpls); err != nil {
		return nil, err
	}
	if r.Decay, err = resolve("decay", cfg.Decay, DefaultDecay, decayImpls); err != nil {
		return nil, err
	}
	if r.Leaderboard, err = resolve("leaderboard", cfg.Leaderboard, DefaultLeaderboard, leaderboardImpls); err != nil {
		return nil, err
	}
	return &r, nil
}

// Default returns the registry with every capability at its default.
func Default() *Registry {
	r, err := Load(Config{})
	if err != nil {
		panic(err) // defaults are static
	}
	return r
}

func resolve[T any](kind string, spec Spec, def string, impls map[string]factory[T]) (T, error) {
	name := spec.Name
	if name == "" {
		name = def
	}
	build, ok := impls[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown %s policy %q (available: %v)", kind, name, names(impls))
	}
	impl, err := build(&spec.Params)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s policy %q: %w", kind, name, err)
	}
	return impl, nil
}

func names[T any](impls map[string]factory[T]) []string {
	out := make([]string, 0, len(impls))
	for n := range impls {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
