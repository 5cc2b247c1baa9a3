package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/karma-ledger/internal/policy"
)

const sample = `
server:
  addr: ":9090"
  rate_limit: 5
store:
  driver: postgres
  dsn: postgres://karma@localhost/karma?sslmode=disable
cache:
  backend: redis
  redis_url: redis://localhost:6379/0
  ttl: 30s
policies:
  trust:
    name: log_scaled
    params:
      multiplier: 2
  decay:
    name: half_life
    params:
      half_life_days: 30
actions:
  code:
    commit:
      points: 5
      max_per_day: 10
    review:
      points: 3
      requires_evidence: true
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5.0, cfg.Server.RateLimit)
	assert.Equal(t, 40, cfg.Server.RateBurst, "unset fields keep defaults")
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)

	rule, ok := cfg.Actions.Lookup("code", "commit")
	require.True(t, ok)
	assert.Equal(t, int64(5), rule.Points)
	require.NotNil(t, rule.MaxPerDay)
	assert.Equal(t, 10, *rule.MaxPerDay)

	reg, err := cfg.PolicyRegistry()
	require.NoError(t, err)
	assert.Equal(t, policy.LogScaledTrust{Multiplier: 2}, reg.Trust)
	assert.Equal(t, policy.HalfLifeDecay{HalfLifeDays: 30}, reg.Decay)
}

func TestParseRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown policy":       "policies:\n  trust:\n    name: vibes\n",
		"bad policy params":    "policies:\n  decay:\n    name: half_life\n    params: [1, 2]\n",
		"unknown field":        "server:\n  adress: ':1'\n",
		"postgres without dsn": "store:\n  driver: postgres\n",
		"unknown driver":       "store:\n  driver: mongo\n",
		"redis without url":    "cache:\n  backend: redis\n",
		"negative cap":         "actions:\n  code:\n    commit:\n      points: 1\n      max_per_day: -1\n",
		"bad log level":        "logging:\n  level: loud\n",
		"bad webhook url":      "webhook:\n  url: not a url\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "karma.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("KARMA_DATABASE_URL", "postgres://other/db")
	t.Setenv("KARMA_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KARMA_WEBHOOK_URL", "https://hooks.example.com/karma")
	t.Setenv("KARMA_WEBHOOK_SECRET", "s3cret")
	t.Setenv("KARMA_CACHE_TTL", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://other/db", cfg.Store.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.True(t, cfg.Webhook.Enabled())
	assert.Equal(t, 45*time.Second, cfg.Cache.TTL)
}

func TestLoadUsesConfigPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "karma.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: ':7070'\n"), 0o600))
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("KARMA_CACHE_TTL", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadEnvSkipsMissingFile(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("KARMA_TEST_ONLY_VALUE=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("KARMA_TEST_ONLY_VALUE") })
	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "loaded", os.Getenv("KARMA_TEST_ONLY_VALUE"))
}

func TestExampleConfigParses(t *testing.T) {
	f, err := os.Open(filepath.Join("..", "..", "karma.example.yaml"))
	require.NoError(t, err)
	defer f.Close()

	cfg, err := Parse(f)
	require.NoError(t, err)
	assert.True(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Webhook.Enabled(), "secret is expected from the environment")
	_, ok := cfg.Actions.Lookup("community", "spam")
	assert.True(t, ok)
}
