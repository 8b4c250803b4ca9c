package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFile_YAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: mysql
  data_dir: /var/lib/ledger
engine:
  lock_timeout: 500ms
checkpoint_interval: 1m
log_format: json
mysql:
  host: db
  user: ledger
  db_name: bank
  max_open_conns: 20
redis:
  addr: 127.0.0.1:6379
  key_prefix: "bank:"
  ttl: 10s
`)
	t.Setenv("LEDGER_ENGINE_MAX_RETRIES", "5")
	t.Setenv("LEDGER_MYSQL_PASSWORD", "secret")
	t.Setenv("LEDGER_REDIS_DB", "2")

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, BackendMySQL, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/ledger", cfg.Storage.DataDir)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.LockTimeout)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, time.Minute, cfg.CheckpointInterval)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, "db", cfg.MySQL.Host)
	assert.Equal(t, "secret", cfg.MySQL.Password)
	assert.Equal(t, 3306, cfg.MySQL.Port)
	assert.Equal(t, 20, cfg.MySQL.MaxOpenConns)
	assert.Equal(t, 10, cfg.MySQL.MaxIdleConns)

	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "bank:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 10*time.Second, cfg.Redis.TTL)
}

func TestLoadConfigFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "data", cfg.Storage.DataDir)
	assert.Equal(t, 2*time.Second, cfg.Engine.LockTimeout)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Zero(t, cfg.CheckpointInterval)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadConfig_PathFromEnv(t *testing.T) {
	path := writeConfig(t, "storage:\n  data_dir: ./ledger-data\n")
	t.Setenv(ConfigPathEnv, path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "./ledger-data", cfg.Storage.DataDir)
}

func TestLoadConfigFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "storage:\n  backend: sqlite\n"},
		{"mysql without host", "storage:\n  backend: mysql\n"},
		{"negative retries", "engine:\n  max_retries: -1\n"},
		{"bad log level", "log_level: loud\n"},
		{"bad yaml", "storage: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "json", LogLevel: "warn"})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
