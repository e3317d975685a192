package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
database:
  driver: postgres
  dsn: postgres://scanner@db/advisories
fetch:
  defaultInterval: 2h
  cvssBackfill:
    maxRequests: 10
sources:
  - id: vendor-acme
    name: Acme PSIRT
    category: vendor
    adapter: htmllist
    url: https://psirt.example.com/advisories
    trustTier: 2
    featureFlag: Vendor_Feeds
    options:
      item: "div.advisory"
enrichment:
  version: 4
features:
  Vendor_Feeds: true
`

func TestParseKeepsDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(sampleYAML), &cfg))
	cfg.normalizeFeatures()

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Fetch.DefaultInterval)
	assert.Equal(t, 10, cfg.Fetch.CVSSBackfill.MaxRequests)
	assert.Equal(t, 7*24*time.Hour, cfg.Fetch.CVSSBackfill.Lookback)
	assert.Equal(t, 4, cfg.Enrichment.Version)
	assert.Equal(t, 2, cfg.Enrichment.MaxRetries)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "div.advisory", cfg.Sources[0].Options["item"])
	assert.True(t, cfg.FeatureEnabled("vendor_feeds"))
	assert.True(t, cfg.FeatureEnabled(""))
	assert.False(t, cfg.FeatureEnabled("tenant_health"))
	require.NoError(t, Validate(cfg))
}

func TestParseWithoutSourcesKeepsBuiltins(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte("logging:\n  level: warn\n"), &cfg))
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "cisa-kev", cfg.Sources[0].ID)
	assert.Error(t, Parse([]byte("  \n"), &cfg))
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		databaseDSNEnv:      "file:test.db",
		aiAPIKeyEnv:         "sk-test",
		nvdAPIKeyEnv:        "nvd-key",
		nvdDelayEnv:         "1s",
		nvdMaxRequestsEnv:   "12",
		redisAddrEnv:        "redis:6379",
		kafkaBrokersEnv:     "k1:9092,k2:9092",
		backfillEnabledEnv:  "true",
		backfillBudgetEnv:   "300",
		backfillIntervalEnv: "3h",
	}
	env[featureFlagEnvPrefix+"TENANT_HEALTH"] = "1"
	require.NoError(t, cfg.applyEnvOverrides(env))

	assert.Equal(t, "file:test.db", cfg.Database.DSN)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
	assert.Equal(t, time.Second, cfg.NVD.DelayWithKey)
	assert.Equal(t, time.Second, cfg.NVD.RequestDelay())
	assert.Equal(t, 12, cfg.Fetch.CVSSBackfill.MaxRequests)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Backfill.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Backfill.TimeBudget)
	assert.Equal(t, 3*time.Hour, cfg.Backfill.Interval)
	assert.True(t, cfg.FeatureEnabled("tenant_health"))
	require.NoError(t, Validate(cfg))

	bad := Default()
	assert.Error(t, bad.applyEnvOverrides(map[string]string{backfillBudgetEnv: "soon"}))
	assert.Error(t, bad.applyEnvOverrides(map[string]string{"FEATURE_X": "maybe"}))
}

func TestRequestDelayWithoutKey(t *testing.T) {
	n := Default().NVD
	assert.Equal(t, 6*time.Second, n.RequestDelay())
	n.APIKey = "k"
	assert.Equal(t, 600*time.Millisecond, n.RequestDelay())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"source without adapter", func(c *Config) { c.Sources = []SourceConfig{{ID: "x"}} }},
		{"duplicate source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }},
		{"zero version", func(c *Config) { c.Enrichment.Version = 0 }},
		{"negative retries", func(c *Config) { c.Enrichment.MaxRetries = -1 }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }},
		{"s3 without bucket", func(c *Config) { c.Archive.Driver = "s3" }},
		{"unknown archive", func(c *Config) { c.Archive.Driver = "ftp" }},
		{"redis without addr", func(c *Config) { c.Cache.Driver = "redis" }},
	}
	require.NoError(t, Validate(Default()))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"scheduler:\n  timezone: Europe/Berlin\n"), 0o600))
	t.Setenv(configPathEnv, path)
	t.Setenv(databaseDSNEnv, "postgres://override/advisories")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://override/advisories", cfg.Database.DSN)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Location().String())

	t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}
