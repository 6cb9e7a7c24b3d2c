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

	assert.Equal(t, "file", cfg.Snapshot.Backend)
	assert.Equal(t, "assume_utc", cfg.Ingestor.NaiveTimestampPolicy)
	require.Len(t, cfg.FeatureGroups, 3)
	assert.Equal(t, "driver_status", cfg.FeatureGroups[0].Name)
	assert.Equal(t, 5*time.Minute, cfg.FeatureGroups[0].TTL)
	assert.Equal(t, time.Hour, cfg.FeatureGroups[1].TTL)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	yamlDoc := `
server:
  port: 9000
snapshot:
  backend: s3
  bucket: raw-events
ranking:
  latencyBudget: 40ms
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("RM_SERVER_PORT", "9999")
	t.Setenv("RM_REDIS_ADDR", "cache:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "s3", cfg.Snapshot.Backend)
	assert.Equal(t, "raw-events", cfg.Snapshot.Bucket)
	assert.Equal(t, 40*time.Millisecond, cfg.Ranking.LatencyBudget)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	// untouched sections keep their defaults
	assert.Equal(t, 500, cfg.Ingestor.BatchSize)
}

func TestValidateRejectsBadFeatureGroups(t *testing.T) {
	cfg := Default()
	cfg.FeatureGroups = append(cfg.FeatureGroups, FeatureGroupConfig{Name: "driver_status", TTL: time.Minute})
	assert.ErrorContains(t, cfg.Validate(), "declared twice")

	cfg = Default()
	cfg.FeatureGroups[0].TTL = 0
	assert.ErrorContains(t, cfg.Validate(), "ttl must be positive")
}

func TestValidateRejectsUnknownTimestampPolicy(t *testing.T) {
	cfg := Default()
	cfg.Ingestor.NaiveTimestampPolicy = "guess"
	assert.Error(t, cfg.Validate())
}

func TestShippedDevelopmentConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "development.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.FeatureGroups, cfg.FeatureGroups)
	assert.Equal(t, def.Ranking.LatencyBudget, cfg.Ranking.LatencyBudget)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestServerGuardOverrides(t *testing.T) {
	t.Setenv("RM_SERVER_RATE_LIMIT", "50")
	t.Setenv("RM_SERVER_ADMIN_AUTH", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Server.RateLimit)
	assert.True(t, cfg.Server.AdminAuth)
}
