// Package config loads process configuration from a YAML file, an optional
// .env file and KARMA_* environment overrides. Everything is validated up
// front so a bad deployment fails at startup rather than on first request.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sheikh-saqib/karma-ledger/internal/cache"
	"github.com/sheikh-saqib/karma-ledger/internal/events/webhook"
	"github.com/sheikh-saqib/karma-ledger/internal/ledger"
	"github.com/sheikh-saqib/karma-ledger/internal/logging"
	"github.com/sheikh-saqib/karma-ledger/internal/policy"
	"github.com/sheikh-saqib/karma-ledger/internal/recompute"
	"github.com/sheikh-saqib/karma-ledger/internal/storage/postgres"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "KARMA_CONFIG"

type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Store     StoreConfig          `yaml:"store"`
	Cache     CacheConfig          `yaml:"cache"`
	Kafka     KafkaConfig          `yaml:"kafka"`
	Webhook   webhook.Config       `yaml:"webhook"`
	Logging   logging.Config       `yaml:"logging"`
	Recompute recompute.Config     `yaml:"recompute"`
	Policies  policy.Config        `yaml:"policies" validate:"-"`
	Actions   ledger.ActionCatalog `yaml:"actions" validate:"-"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	RateLimit       float64       `yaml:"rate_limit" validate:"gte=0"` // requests per second per client, 0 disables
	RateBurst       int           `yaml:"rate_burst" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReserveTries    int           `yaml:"reserve_tries" validate:"gte=0"`
}

type StoreConfig struct {
	Driver string              `yaml:"driver" validate:"oneof=postgres sqlite memory"`
	DSN    string              `yaml:"dsn" validate:"required_if=Driver postgres"`
	Path   string              `yaml:"path" validate:"required_if=Driver sqlite"`
	Pool   postgres.PoolConfig `yaml:"pool"`
}

type CacheConfig struct {
	Backend  string             `yaml:"backend" validate:"oneof=redis badger none"`
	TTL      time.Duration      `yaml:"ttl"`
	RedisURL string             `yaml:"redis_url" validate:"required_if=Backend redis"`
	Badger   cache.BadgerConfig `yaml:"badger"`

	// RecomputeOnMiss enqueues a trust snapshot job whenever a trust read misses.
	RecomputeOnMiss bool `yaml:"recompute_on_miss"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"events_topic"`
	JobsTopic   string   `yaml:"jobs_topic"`
	GroupID     string   `yaml:"group_id"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Default returns the configuration used for fields the file leaves empty.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "karma.db",
			Pool:   postgres.PoolConfig{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute},
		},
		Cache: CacheConfig{
			Backend: "badger",
			TTL:     cache.DefaultTTL,
			Badger:  cache.BadgerConfig{InMemory: true},
		},
		Kafka: KafkaConfig{
			EventsTopic: "karma.events",
			JobsTopic:   "karma.jobs",
			GroupID:     "karma-recompute",
		},
		Webhook: webhook.Config{Timeout: 5 * time.Second},
		Logging: logging.Config{Level: "info", Format: "text", Service: "karma-ledger"},
		Recompute: recompute.Config{
			Workers:       2,
			DecayInterval: time.Hour,
			MinAgeDays:    1,
			BatchSize:     100,
		},
	}
}

// LoadEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path (or $KARMA_CONFIG when path is empty), applies environment
// overrides and validates the result. With no file at all the defaults are
// used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes and validates YAML from r on top of the defaults. It does
// not consult the environment.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config unmarshal: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, the action catalog and every policy
// name and parameter block.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	if err := c.Actions.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	if _, err := c.PolicyRegistry(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}

// PolicyRegistry resolves the configured policies.
func (c *Config) PolicyRegistry() (*policy.Registry, error) {
	return policy.Load(c.Policies)
}

// applyEnvOverrides lets secrets and endpoints come from the environment.
func applyEnvOverrides(c *Config) error {
	str := map[string]*string{
		"KARMA_HTTP_ADDR":      &c.Server.Addr,
		"KARMA_STORE_DRIVER":   &c.Store.Driver,
		"KARMA_DATABASE_URL":   &c.Store.DSN,
		"KARMA_SQLITE_PATH":    &c.Store.Path,
		"KARMA_CACHE_BACKEND":  &c.Cache.Backend,
		"KARMA_REDIS_URL":      &c.Cache.RedisURL,
		"KARMA_WEBHOOK_URL":    &c.Webhook.URL,
		"KARMA_WEBHOOK_SECRET": &c.Webhook.Secret,
		"KARMA_LOG_LEVEL":      &c.Logging.Level,
		"KARMA_LOG_FORMAT":     &c.Logging.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v := os.Getenv("KARMA_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KARMA_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KARMA_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = d
	}
	if v := os.Getenv("KARMA_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KARMA_RATE_LIMIT: %w", err)
		}
		c.Server.RateLimit = f
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
