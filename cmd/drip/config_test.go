package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, "@every 1m", cfg.DispatchSchedule)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
	assert.Equal(t, 15*time.Second, cfg.ActionTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ClaimLease)
	assert.Equal(t, "drip.db", filepath.Base(cfg.DBPath))
}

func TestApplyEnv(t *testing.T) {
	cfg := defaultConfig()
	err := applyEnv(&cfg, envMap(map[string]string{
		"DRIP_POOL_SIZE":         "4",
		"DRIP_SEND_TIMEOUT":      "45s",
		"DRIP_TENANTS":           "acme, globex,,",
		"DRIP_REDIS_URL":         "redis://localhost:6379/0",
		"DRIP_SES_ACCESS_KEY":    "AKIA",
		"DRIP_LOG_JSON":          "true",
		"DRIP_DISPATCH_SCHEDULE": "*/5 * * * *",
	}))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 45*time.Second, cfg.SendTimeout)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Tenants)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "AKIA", cfg.SES.AccessKey)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "*/5 * * * *", cfg.DispatchSchedule)
	assert.Equal(t, 100, cfg.BatchSize)
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	cfg := defaultConfig()
	err := applyEnv(&cfg, envMap(map[string]string{"DRIP_BATCH_SIZE": "lots"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRIP_BATCH_SIZE")
}

func TestLoadConfig_Layers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/drip/drip.db
batch_size: 50
claim_lease: 2m
ses:
  region: eu-west-1
  from_email: hello@example.com
`), 0o600))

	t.Chdir(dir)
	t.Setenv("DRIP_CONFIG", path)
	t.Setenv("DRIP_BATCH_SIZE", "25")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/drip/drip.db", cfg.DBPath)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.ClaimLease)
	assert.Equal(t, "eu-west-1", cfg.SES.Region)
	assert.Equal(t, "hello@example.com", cfg.SES.FromEmail)
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DRIP_POOL_SIZE=3\n"), 0o600))

	t.Chdir(dir)
	t.Setenv("DRIP_CONFIG", filepath.Join(dir, "missing.yaml"))
	// Registered so t.Setenv restores it after godotenv sets it.
	t.Setenv("DRIP_POOL_SIZE", "")
	require.NoError(t, os.Unsetenv("DRIP_POOL_SIZE"))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.PoolSize)
}

func TestLoadConfig_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: [oops"), 0o600))
	t.Chdir(dir)
	t.Setenv("DRIP_CONFIG", path)

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestConfigValidate_ClaimLeaseCoversTimeouts(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.validate())

	cfg.SendTimeout = 5 * time.Minute
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim_lease")

	cfg.ClaimLease = 6 * time.Minute
	assert.NoError(t, cfg.validate())
}

func TestLoadConfig_RejectsShortLease(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DRIP_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("DRIP_CLAIM_LEASE", "45s")

	_, err := loadConfig()
	assert.ErrorContains(t, err, "claim_lease")
}
