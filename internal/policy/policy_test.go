package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

func ptr(s string) *string { return &s }

func TestHeuristicEvidence(t *testing.T) {
	v := Default().Evidence

	tests := []struct {
		name string
		ref  *string
		want models.EvidenceStatus
	}{
		{"absent", nil, models.EvidenceYellow},
		{"empty", ptr(""), models.EvidenceYellow},
		{"blank", ptr("   "), models.EvidenceYellow},
		{"flagged", ptr("flag:spam"), models.EvidenceRed},
		{"ok", ptr("ok"), models.EvidenceGreen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Validate(tt.ref))
		})
	}
}

func TestLinearTrust(t *testing.T) {
	f := LinearTrust{Base: 0, Multiplier: 0.1}
	assert.Equal(t, 6.0, f.Compute(50, 2))
	assert.Equal(t, 0.0, f.Compute(-1000, 0), "floored at zero")

	w := 2.0
	f.VerificationWeight = &w
	assert.Equal(t, 9.0, f.Compute(50, 2))
}

func TestLogScaledTrustIsMonotonicAndFloored(t *testing.T) {
	f := LogScaledTrust{Multiplier: 1}
	assert.Less(t, f.Compute(10, 0), f.Compute(100, 0))
	assert.Equal(t, 0.0, f.Compute(-100, 0))
}

func TestVerificationProviders(t *testing.T) {
	assert.Equal(t, 3, MaxVerification{}.EffectiveLevel(1, 3))
	assert.Equal(t, 4, SumVerification{}.EffectiveLevel(1, 3))
}

func TestDecayPoliciesNeverGrowOrFlipSign(t *testing.T) {
	policies := map[string]DecayPolicy{
		"none":         NoDecay{},
		"half_life":    HalfLifeDecay{HalfLifeDays: 30},
		"linear_floor": LinearFloorDecay{RatePerDay: 0.5},
	}
	for name, p := range policies {
		t.Run(name, func(t *testing.T) {
			for _, points := range []int64{-17, -1, 0, 1, 10, 1000} {
				for _, age := range []float64{0, 0.5, 1, 29, 30, 365, 10000} {
					got := p.Apply(points, age)
					abs := func(v int64) int64 {
						if v < 0 {
							return -v
						}
						return v
					}
					assert.LessOrEqual(t, abs(got), abs(points), "points=%d age=%v", points, age)
					assert.False(t, got != 0 && (got < 0) != (points < 0), "sign flipped: points=%d age=%v got=%d", points, age, got)
				}
			}
		})
	}

	assert.Equal(t, int64(5), HalfLifeDecay{HalfLifeDays: 30}.Apply(10, 30))
	assert.Equal(t, int64(-5), HalfLifeDecay{HalfLifeDays: 30}.Apply(-10, 30))
	assert.Equal(t, int64(7), LinearFloorDecay{RatePerDay: 1}.Apply(10, 3.9))
	assert.Equal(t, int64(0), LinearFloorDecay{RatePerDay: 1}.Apply(10, 30))
}

func TestLeaderboardTiebreaks(t *testing.T) {
	in := []models.UserScore{
		{UserID: "carol", Score: 5},
		{UserID: "alice", Score: 9},
		{UserID: "bob", Score: 5},
	}

	got := ScoreDesc{}.Rank(in)
	assert.Equal(t, []string{"alice", "carol", "bob"}, userIDs(got))

	got = ScoreThenUser{}.Rank(in)
	assert.Equal(t, []string{"alice", "bob", "carol"}, userIDs(got))

	assert.Equal(t, "carol", in[0].UserID, "input is not reordered")
}

func userIDs(scores []models.UserScore) []string {
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.UserID
	}
	return out
}

func TestLoadFromYAML(t *testing.T) {
	src := `
evidence:
  name: accept_all
trust:
  name: linear
  params:
    base: 1
    multiplier: 0.5
    verification_weight: 0
decay:
  name: half_life
  params:
    half_life_days: 10
leaderboard:
  name: score_then_user
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))

	r, err := Load(cfg)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceGreen, r.Evidence.Validate(nil))
	assert.Equal(t, 6.0, r.Trust.Compute(10, 4))
	assert.Equal(t, int64(50), r.Decay.Apply(100, 10))
	assert.IsType(t, MaxVerification{}, r.Verification)
	assert.IsType(t, ScoreThenUser{}, r.Leaderboard)
}

func TestLoadRejectsUnknownNamesAndBadParams(t *testing.T) {
	_, err := Load(Config{Trust: Spec{Name: "pkg.module:Formula"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown trust policy")

	cases := []struct {
		name string
		src  string
		want string
	}{
		{"wrong type", "decay:\n  name: half_life\n  params:\n    half_life_days: soon\n", "decode params"},
		{"misspelled decay key", "decay:\n  name: half_life\n  params:\n    half_lif_days: 7\n", "decode params"},
		{"misspelled trust key", "trust:\n  name: linear\n  params:\n    multipler: 2\n", "decode params"},
		{"negative half life", "decay:\n  name: half_life\n  params:\n    half_life_days: -5\n", "invalid params"},
		{"zero half life", "decay:\n  name: half_life\n  params:\n    half_life_days: 0\n", "invalid params"},
		{"negative decay rate", "decay:\n  name: linear_floor\n  params:\n    rate_per_day: -1\n", "invalid params"},
		{"negative multiplier", "trust:\n  name: log_scaled\n  params:\n    multiplier: -1\n", "invalid params"},
		{"negative verification weight", "trust:\n  name: linear\n  params:\n    verification_weight: -0.5\n", "invalid params"},
		{"empty flag prefix", "evidence:\n  name: heuristic\n  params:\n    flag_prefix: \"\"\n", "invalid params"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			require.NoError(t, yaml.Unmarshal([]byte(tc.src), &cfg))
			_, err := Load(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadAcceptsNullParams(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("decay:\n  name: half_life\n  params:\n"), &cfg))
	r, err := Load(cfg)
	require.NoError(t, err)
	assert.Equal(t, HalfLifeDecay{HalfLifeDays: 90}, r.Decay)
}
