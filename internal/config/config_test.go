package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, int64(60), cfg.RateLimiter.TierLimits["anonymous"])
	assert.Equal(t, 5*time.Second, cfg.FlushInterval())
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionPeriod())
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listenAddr: ":9090"
backends:
  - name: users
    url: http://users:8000
    routes: ["/api/users/**"]
    timeout: 2s
    enabled: true
rateLimiter:
  keyStrategy: user
  rules:
    - id: r1
      enabled: true
      priority: 5
      endpoint: /api/users/**
      endpointMatchType: glob
      algorithm: token-bucket
      requests: 10
      windowSeconds: 60
  bypass:
    ipWhitelist: ["10.0.0.0/8"]
`), 0o600))

	t.Setenv("BATCH_SIZE", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 42, cfg.Metrics.BatchSize)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, 2*time.Second, cfg.Backends[0].Timeout(5*time.Second))
	require.Len(t, cfg.RateLimiter.Rules, 1)
	assert.Equal(t, "token-bucket", cfg.RateLimiter.Rules[0].Algorithm)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.RateLimiter.Bypass.IPWhitelist)
	assert.Equal(t, "user", cfg.RateLimiter.KeyStrategy)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metrics:\n  batchSize: -1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batchSize")
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBackendTimeoutFallback(t *testing.T) {
	b := BackendConfig{}
	assert.Equal(t, 5*time.Second, b.Timeout(5*time.Second))
	b.RequestTimeout = "not-a-duration"
	assert.Equal(t, 5*time.Second, b.Timeout(5*time.Second))
}
