package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestConfigDir writes a representative config.yaml and returns the dir.
func setupTestConfigDir(t *testing.T) string {
	t.Helper()
	configDir := t.TempDir()

	configYAML := `
server:
  host: 127.0.0.1
  port: 9900
  allowed_origins: ["docs.example.org"]
storage:
  driver: memory
merkle:
  async:
    workers: 2
    queue_depth: 8
pipeline:
  auth_backlog: 100
blacklist:
  rules:
    deny:
      - field: user_id
        patterns: ['^banned-']
logs:
  dir: ./test-logs
  study_logs: true
checkpoint:
  enabled: true
  interval: 30m
logging:
  level: debug
`
	err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configYAML), 0644)
	require.NoError(t, err)

	return configDir
}

func TestInitialize(t *testing.T) {
	configDir := setupTestConfigDir(t)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Explicit values survive
	assert.Equal(t, "127.0.0.1:9900", cfg.Server.Addr())
	assert.Equal(t, []string{"docs.example.org"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.MerkleEnabled())
	assert.Equal(t, 2, cfg.Merkle.Async.Workers)
	assert.Equal(t, 100, cfg.Pipeline.AuthBacklog)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Checkpoint.Interval)
	assert.Equal(t, "./test-logs", cfg.Logs.Dir)
	assert.True(t, cfg.Logs.StudyLogs)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Defaults fill the gaps
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.NotEmpty(t, cfg.Auth.UserIDHeader)
	assert.Positive(t, cfg.Pipeline.PreSessionBuffer)

	// Stats
	stats := cfg.Stats()
	assert.Equal(t, "memory", stats.StorageDriver)
	assert.Equal(t, "merkle", stats.DecoderMode)
	assert.Equal(t, 1, stats.BlacklistRules)
}

func TestInitializeConfigNotFound(t *testing.T) {
	ctx := context.Background()
	_, err := Initialize(ctx, "/nonexistent/directory")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeInvalidYAML(t *testing.T) {
	configDir := t.TempDir()

	invalidYAML := `server: [unclosed`
	err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(invalidYAML), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidationFailure(t *testing.T) {
	configDir := t.TempDir()

	// Unknown storage driver fails validation, not loading.
	configYAML := `
storage:
  driver: carrier-pigeon
`
	err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configYAML), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestInitializeAppliesDefaults(t *testing.T) {
	configDir := t.TempDir()

	// A minimal file gets the complete default shape.
	err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte("{}\n"), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8888", cfg.Server.Addr())
	assert.Equal(t, "fs", cfg.Storage.Driver)
	assert.Equal(t, "./data/streams", cfg.Storage.Path)
	assert.False(t, cfg.MerkleEnabled())
	assert.Equal(t, "legacy", cfg.DecoderMode())
	assert.Equal(t, "./logs", cfg.Logs.Dir)
	assert.False(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, configDir, cfg.ConfigDir())
}

func TestInitializeLocalOverlay(t *testing.T) {
	configDir := setupTestConfigDir(t)

	localYAML := `
server:
  port: 9999
storage:
  driver: sqlite
  path: ./local.db
dev_mode: true
`
	err := os.WriteFile(filepath.Join(configDir, "config.local.yaml"), []byte(localYAML), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	// Overlay wins where set
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "./local.db", cfg.Storage.Path)
	assert.True(t, cfg.DevMode)
	// Base file retained elsewhere
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.MerkleEnabled())
}

func TestInitializeBrokenLocalOverlay(t *testing.T) {
	configDir := setupTestConfigDir(t)

	err := os.WriteFile(filepath.Join(configDir, "config.local.yaml"), []byte("storage: [broken"), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.local.yaml")
}

func TestEnvironmentVariableInterpolationInConfig(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("QUILL_TEST_STORE_PATH", "/tmp/quillstream-streams")
	t.Setenv("QUILL_TEST_LEVEL", "warn")

	configYAML := `
storage:
  driver: fs
  path: "{{.QUILL_TEST_STORE_PATH}}"
logging:
  level: "{{.QUILL_TEST_LEVEL}}"
`
	err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configYAML), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	assert.Equal(t, "/tmp/quillstream-streams", cfg.Storage.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
}
