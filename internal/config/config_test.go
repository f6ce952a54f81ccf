package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, time.Minute, cfg.Outbox.ClaimLease)
	assert.Equal(t, 30*time.Second, cfg.Cache.CountsTTL)
	assert.Equal(t, "bolt", cfg.Agent.Backend)
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "@every 1m", cfg.DLQ.Schedule)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activitylog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  cors_origins: ["https://app.example.com"]
postgres:
  url: postgres://file@db/activitylog
  max_conns: 4
cache:
  counts_ttl: 45s
agent:
  backend: sqlite
  sync_interval: 1m
`), 0o600))

	t.Setenv("ACTIVITYLOG_POSTGRES__URL", "postgres://env@db/activitylog")
	t.Setenv("ACTIVITYLOG_KAFKA__BROKERS", "k1:9092,k2:9092")
	t.Setenv("ACTIVITYLOG_AGENT__MAX_RETRIES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "postgres://env@db/activitylog", cfg.Postgres.URL, "environment wins over the file")
	assert.Equal(t, int32(4), cfg.Postgres.MaxConns)
	assert.Equal(t, 45*time.Second, cfg.Cache.CountsTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "sqlite", cfg.Agent.Backend)
	assert.Equal(t, time.Minute, cfg.Agent.SyncInterval)
	assert.Equal(t, 5, cfg.Agent.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Agent.AttemptTimeout, "untouched keys keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ValidateServer())

	cfg.Postgres.URL = "postgres://localhost/activitylog"
	require.NoError(t, cfg.ValidateServer())
	require.ErrorContains(t, cfg.ValidateAPI(), "auth.secret")

	cfg.Auth.Secret = "s3cret"
	require.NoError(t, cfg.ValidateAPI())

	require.NoError(t, cfg.ValidateAgent())
	cfg.Agent.Backend = "leveldb"
	require.ErrorContains(t, cfg.ValidateAgent(), "agent.backend")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "postgres.max_conns", envKey("ACTIVITYLOG_POSTGRES__MAX_CONNS"))
	assert.Equal(t, "agent.api_url", envKey("ACTIVITYLOG_AGENT__API_URL"))
}
