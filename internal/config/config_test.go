package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/url-shortener/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault 預設配置本身必須合法
func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 24*time.Hour, cfg.Shortener.CacheTTL)
	assert.Equal(t, config.Rule{Limit: 10, Window: time.Minute}, cfg.RateLimit.Create)
	assert.Equal(t, config.Rule{Limit: 100, Window: time.Minute}, cfg.RateLimit.Redirect)
	assert.Equal(t, config.Rule{Limit: 30, Window: time.Minute}, cfg.RateLimit.Stats)
	assert.Equal(t, 3, cfg.NATS.Workers)
	assert.Equal(t, "url-shortener-analytics", cfg.NATS.ConsumerGroup)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  addr: ":9090"
  base_url: "https://sho.rt"
shortener:
  code_strategy: snowflake
  cache_ttl: 1h
rate_limit:
  create:
    limit: 3
    window: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://sho.rt", cfg.Server.BaseURL)
	assert.Equal(t, config.StrategySnowflake, cfg.Shortener.CodeStrategy)
	assert.Equal(t, time.Hour, cfg.Shortener.CacheTTL)
	assert.Equal(t, config.Rule{Limit: 3, Window: 10 * time.Second}, cfg.RateLimit.Create)

	// 未出現在 YAML 的欄位保留預設值
	assert.Equal(t, config.Rule{Limit: 100, Window: time.Minute}, cfg.RateLimit.Redirect)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: \"yaml-redis:6379\"\n"), 0o600))

	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")
	t.Setenv("SNOWFLAKE_WORKER_ID", "12")
	t.Setenv("BLOCKED_DOMAINS", "a.com,b.com")
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.Postgres.URL)
	assert.Equal(t, int64(12), cfg.Snowflake.WorkerID)
	assert.Equal(t, []string{"a.com", "b.com"}, cfg.Shortener.BlockedDomains)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty server addr", func(c *config.Config) { c.Server.Addr = "" }},
		{"unknown strategy", func(c *config.Config) { c.Shortener.CodeStrategy = "random" }},
		{"worker out of range", func(c *config.Config) { c.Snowflake.WorkerID = 32 }},
		{"datacenter negative", func(c *config.Config) { c.Snowflake.DatacenterID = -1 }},
		{"zero workers", func(c *config.Config) { c.NATS.Workers = 0 }},
		{"zero limit", func(c *config.Config) { c.RateLimit.Stats.Limit = 0 }},
		{"zero ttl", func(c *config.Config) { c.Shortener.CacheTTL = 0 }},
		{"missing postgres url", func(c *config.Config) { c.Postgres.URL = "" }},
		{"missing redis addr", func(c *config.Config) { c.Redis.Addr = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_InMemoryNeedsNoBackends(t *testing.T) {
	t.Setenv("IN_MEMORY", "true")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("postgres:\n  url: \"\"\nredis:\n  addr: \"\"\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Server.InMemory)
	assert.Empty(t, cfg.Postgres.URL)
	assert.Empty(t, cfg.Redis.Addr)
}
