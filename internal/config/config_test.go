package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "catalog.db", cfg.Store.SQLitePath)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "postgres", cfg.Queue.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxDeliveries)
	assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout())
	assert.Equal(t, time.Second, cfg.Queue.PollInterval())
	assert.Equal(t, "catalog.mapping.dlq", cfg.Queue.Kafka.DeadLetterTopic)
	assert.Equal(t, "dir", cfg.Blob.Driver)
	assert.Equal(t, "pdftotext", cfg.OCR.Provider)
	assert.Equal(t, 2*time.Minute, cfg.OCR.Timeout())
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)
	assert.Equal(t, time.Minute, cfg.Mapping.Timeout())
	assert.InDelta(t, 0.5, cfg.Mapping.ReviewConfidenceThreshold, 0.001)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Contains(t, cfg.Pricing.Anthropic, "claude-haiku-4-5-20251001")
	assert.InDelta(t, 0.001, cfg.Pricing.OCR["mistral"].PerPage, 1e-9)
	assert.True(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 10, cfg.Monitoring.DeadLetterThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /tmp/x.db
queue:
  driver: memory
log:
  level: debug
  format: console
dispatch:
  workers: 12
pricing:
  ocr:
    mistral:
      per_page: 0.002
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/x.db", cfg.Store.SQLitePath)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 12, cfg.Dispatch.Workers)
	assert.InDelta(t, 0.002, cfg.Pricing.OCR["mistral"].PerPage, 1e-9)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Contains(t, cfg.Pricing.OCR, "service")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("CATALOG_STORE_DRIVER", "postgres")
	t.Setenv("CATALOG_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("CATALOG_SERVER_PORT", "3000")
	t.Setenv("CATALOG_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/catalog"
	cfg.Queue.Driver = "postgres"
	cfg.Queue.MaxDeliveries = 5
	cfg.OCR.Provider = "pdftotext"
	cfg.OCR.PdfToTextPath = "pdftotext"
	cfg.OCR.TimeoutSecs = 60
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Anthropic.Model = "claude-haiku-4-5-20251001"
	cfg.Mapping.TimeoutSecs = 60
	cfg.Mapping.ReviewConfidenceThreshold = 0.5
	cfg.Dispatch.Workers = 4
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "worker", "ocr", "queue", "store"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateWorker_SkipsOCR(t *testing.T) {
	cfg := validDefaults()
	cfg.OCR.Provider = "bogus"

	assert.NoError(t, cfg.Validate("worker"))
	assert.NoError(t, cfg.Validate("queue"))
	assert.Error(t, cfg.Validate("ocr"))
}

func TestValidateOCRProviders(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"mistral without key", func(c *Config) { c.OCR.Provider = "mistral" }, "ocr.mistral_api_key is required"},
		{"mistral with key", func(c *Config) { c.OCR.Provider = "mistral"; c.OCR.MistralKey = "k" }, ""},
		{"service without url", func(c *Config) { c.OCR.Provider = "service" }, "ocr.service_url is required"},
		{"unknown provider", func(c *Config) { c.OCR.Provider = "tesseract" }, "not supported"},
		{"zero timeout", func(c *Config) { c.OCR.TimeoutSecs = 0 }, "ocr.timeout_secs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("ocr")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateQueue(t *testing.T) {
	cfg := validDefaults()
	cfg.Queue.Driver = "kafka"
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.kafka.brokers is required")

	cfg.Queue.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Queue.Kafka.Topic = "catalog.mapping"
	assert.NoError(t, cfg.Validate("worker"))

	cfg.Queue.Driver = "postgres"
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "x.db"
	err = cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires store.driver postgres")
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Dispatch.Workers = 0
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.workers must be between 1 and 64")

	cfg.Dispatch.Workers = 65
	assert.Error(t, cfg.Validate("worker"))

	cfg.Dispatch.Workers = 64
	assert.NoError(t, cfg.Validate("worker"))

	cfg.Mapping.ReviewConfidenceThreshold = 1.5
	err = cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review_confidence_threshold")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
