package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storefront.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STOREFRONT_CONFIG", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.BaseURL)
	assert.Equal(t, StorageFile, cfg.Storage.Driver)
	assert.Equal(t, 256, cfg.RetryLedgerSize)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.Activity.Enabled())

	timeout, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, timeout)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
base_url: https://shop.example.com/
http_timeout: 5s
rate_limit: 2.5
retry_ledger_size: 16
storage:
  driver: postgres
  dsn: postgres://u:p@db/shop
  namespace: work
activity:
  brokers: [k1:9092, k2:9092]
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", cfg.BaseURL)
	assert.Equal(t, 2.5, cfg.RateLimit)
	assert.Equal(t, 16, cfg.RetryLedgerSize)
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, "work", cfg.Storage.Namespace)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Activity.Brokers)
	assert.Equal(t, "storefront-activity", cfg.Activity.Topic, "unset keys keep defaults")
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
base_url: https://from-file.example.com
storage:
  driver: memory
`)
	t.Setenv("STOREFRONT_API_URL", "https://from-env.example.com")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("STOREFRONT_RATE_LIMIT", "4")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.BaseURL)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Activity.Brokers)
	assert.Equal(t, 4.0, cfg.RateLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "base_url: https://env-path.example.com\n")
	t.Setenv("STOREFRONT_CONFIG", path)

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "https://env-path.example.com", cfg.BaseURL)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		env     map[string]string
		wantErr error
	}{
		{
			name:    "unknown storage",
			body:    "storage:\n  driver: redis\n",
			wantErr: ErrUnknownStorage,
		},
		{
			name:    "postgres without dsn",
			body:    "storage:\n  driver: postgres\n",
			wantErr: ErrMissingDSN,
		},
		{
			name:    "empty base url",
			body:    "base_url: /\n",
			wantErr: ErrMissingBaseURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoad_BadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "http_timeout: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "base_url: [not, a, string\n"))
	assert.Error(t, err)

	t.Setenv("STOREFRONT_RATE_LIMIT", "fast")
	_, err = Load(writeConfig(t, "storage:\n  driver: memory\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
