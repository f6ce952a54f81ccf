// Package config loads process configuration from defaults, an optional YAML file and the environment.
package config

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides. A double underscore separates nesting levels,
// so ACTIVITYLOG_POSTGRES__MAX_CONNS sets postgres.max_conns.
const EnvPrefix = "ACTIVITYLOG_"

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

type PostgresConfig struct {
	URL      string `koanf:"url"`
	MaxConns int32  `koanf:"max_conns"`
}

type KafkaConfig struct {
	Brokers           []string `koanf:"brokers"`
	SchemaRegistryURL string   `koanf:"schema_registry_url"`
}

type OutboxConfig struct {
	Enabled      bool          `koanf:"enabled"`
	PollInterval time.Duration `koanf:"poll_interval"`
	BatchSize    int           `koanf:"batch_size"`
	ClaimLease   time.Duration `koanf:"claim_lease"`
}

type DLQConfig struct {
	Schedule    string        `koanf:"schedule"`
	MaxRetries  int           `koanf:"max_retries"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	BatchSize   int           `koanf:"batch_size"`
	MetricsAddr string        `koanf:"metrics_addr"`
}

type ConsumerConfig struct {
	GroupID     string        `koanf:"group_id"`
	MetricsAddr string        `koanf:"metrics_addr"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
}

type AuthConfig struct {
	Secret string `koanf:"secret"`
	Issuer string `koanf:"issuer"`
}

type CacheConfig struct {
	MaxSize   int           `koanf:"max_size"`
	RedisAddr string        `koanf:"redis_addr"`
	RedisPass string        `koanf:"redis_pass"`
	RedisDB   int           `koanf:"redis_db"`
	CountsTTL time.Duration `koanf:"counts_ttl"`
}

type LogConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// AgentConfig configures the device-side queue and sync loop.
type AgentConfig struct {
	Backend        string        `koanf:"backend"`
	Path           string        `koanf:"path"`
	APIURL         string        `koanf:"api_url"`
	Token          string        `koanf:"token"`
	SyncInterval   time.Duration `koanf:"sync_interval"`
	ProbeInterval  time.Duration `koanf:"probe_interval"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`
	SyncingTimeout time.Duration `koanf:"syncing_timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	RateLimit      float64       `koanf:"rate_limit"`
	RateBurst      int           `koanf:"rate_burst"`
	MetricsAddr    string        `koanf:"metrics_addr"`
}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Postgres PostgresConfig `koanf:"postgres"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Outbox   OutboxConfig   `koanf:"outbox"`
	DLQ      DLQConfig      `koanf:"dlq"`
	Consumer ConsumerConfig `koanf:"consumer"`
	Auth     AuthConfig     `koanf:"auth"`
	Cache    CacheConfig    `koanf:"cache"`
	Log      LogConfig      `koanf:"log"`
	Agent    AgentConfig    `koanf:"agent"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Postgres: PostgresConfig{MaxConns: 10},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			SchemaRegistryURL: "http://localhost:8081",
		},
		Outbox: OutboxConfig{Enabled: true, PollInterval: time.Second, BatchSize: 100, ClaimLease: time.Minute},
		DLQ: DLQConfig{
			Schedule:    "@every 1m",
			MaxRetries:  5,
			BaseDelay:   time.Minute,
			BatchSize:   100,
			MetricsAddr: ":9103",
		},
		Consumer: ConsumerConfig{
			GroupID:     "activitylog-rollups",
			MetricsAddr: ":9102",
			RetryDelay:  time.Second,
		},
		Cache: CacheConfig{MaxSize: 8 << 20, CountsTTL: 30 * time.Second},
		Log:   LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Agent: AgentConfig{
			Backend:        "bolt",
			Path:           "activitylog-queue.db",
			APIURL:         "http://localhost:8080",
			SyncInterval:   30 * time.Second,
			ProbeInterval:  10 * time.Second,
			AttemptTimeout: 15 * time.Second,
			SyncingTimeout: 2 * time.Minute,
			MaxRetries:     3,
			RateBurst:      1,
		},
	}
}

// Load layers the YAML file at path (if any) and ACTIVITYLOG_ environment variables over Default.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.Wrapf(err, "load config file %s", path)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, errors.Wrap(err, "load environment")
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// ValidateServer checks the settings the api, consumer, dlq and migrate commands need.
func (c Config) ValidateServer() error {
	if c.Postgres.URL == "" {
		return errors.New("postgres.url is required")
	}
	return nil
}

// ValidateAPI checks the settings the HTTP API needs on top of ValidateServer.
func (c Config) ValidateAPI() error {
	if err := c.ValidateServer(); err != nil {
		return err
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	if c.Outbox.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when the outbox dispatcher is enabled")
	}
	return nil
}

// ValidateAgent checks the device-side settings.
func (c Config) ValidateAgent() error {
	switch c.Agent.Backend {
	case "bolt", "sqlite":
	default:
		return errors.Errorf("agent.backend must be bolt or sqlite, got %q", c.Agent.Backend)
	}
	if c.Agent.Path == "" {
		return errors.New("agent.path is required")
	}
	if c.Agent.MaxRetries <= 0 {
		return errors.New("agent.max_retries must be positive")
	}
	return nil
}
