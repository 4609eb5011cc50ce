package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/catalog-ingest/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Mapping    MappingConfig    `yaml:"mapping" mapstructure:"mapping"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Vendors    VendorsConfig    `yaml:"vendors" mapstructure:"vendors"`
	FTP        FTPConfig        `yaml:"ftp" mapstructure:"ftp"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig selects and tunes the mapping job transport.
type QueueConfig struct {
	// Driver is one of memory, postgres or kafka.
	Driver                string      `yaml:"driver" mapstructure:"driver"`
	MaxDeliveries         int         `yaml:"max_deliveries" mapstructure:"max_deliveries"`
	VisibilityTimeoutSecs int         `yaml:"visibility_timeout_secs" mapstructure:"visibility_timeout_secs"`
	PollIntervalMs        int         `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	Kafka                 KafkaConfig `yaml:"kafka" mapstructure:"kafka"`
}

// VisibilityTimeout returns the configured lease duration.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutSecs) * time.Second
}

// PollInterval returns the idle poll interval of database-backed transports.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// KafkaConfig configures the kafka transport.
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers" mapstructure:"brokers"`
	Topic           string   `yaml:"topic" mapstructure:"topic"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" mapstructure:"dead_letter_topic"`
	GroupID         string   `yaml:"group_id" mapstructure:"group_id"`
}

// BlobConfig configures artifact and bronze-layer storage.
type BlobConfig struct {
	// Driver is dir or pebble.
	Driver string `yaml:"driver" mapstructure:"driver"`
	Dir    string `yaml:"dir" mapstructure:"dir"`
}

// OCRConfig configures document text and table extraction.
type OCRConfig struct {
	// Provider is mistral, pdftotext or service. Spreadsheet uploads always
	// use the built-in xlsx reader.
	Provider        string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath   string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey      string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel    string `yaml:"mistral_model" mapstructure:"mistral_model"`
	MistralBaseURL  string `yaml:"mistral_base_url" mapstructure:"mistral_base_url"`
	ServiceURL      string `yaml:"service_url" mapstructure:"service_url"`
	ServiceToken    string `yaml:"service_token" mapstructure:"service_token"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BreakerFailures int    `yaml:"breaker_failures" mapstructure:"breaker_failures"`
}

// Timeout returns the per-document OCR deadline.
func (o OCRConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSecs) * time.Second
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// MappingConfig tunes the column-mapping stage.
type MappingConfig struct {
	TimeoutSecs               int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond         float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst                     int     `yaml:"burst" mapstructure:"burst"`
	ReviewConfidenceThreshold float64 `yaml:"review_confidence_threshold" mapstructure:"review_confidence_threshold"`
	BreakerFailures           int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs          int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the LLM call deadline.
func (m MappingConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSecs) * time.Second
}

// DispatchConfig configures the mapping worker pool.
type DispatchConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// VendorsConfig points at the vendor registry file.
type VendorsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// FTPConfig holds credentials for vendor FTP drops.
type FTPConfig struct {
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures the background health checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DeadLetterThreshold  int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "catalog.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.max_deliveries", 5)
	v.SetDefault("queue.visibility_timeout_secs", 300)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.kafka.topic", "catalog.mapping")
	v.SetDefault("queue.kafka.dead_letter_topic", "catalog.mapping.dlq")
	v.SetDefault("queue.kafka.group_id", "catalog-ingest")
	v.SetDefault("blob.driver", "dir")
	v.SetDefault("blob.dir", "data/blob")
	v.SetDefault("ocr.provider", "pdftotext")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("ocr.mistral_base_url", "https://api.mistral.ai/v1")
	v.SetDefault("ocr.timeout_secs", 120)
	v.SetDefault("ocr.breaker_failures", 5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("mapping.timeout_secs", 60)
	v.SetDefault("mapping.requests_per_second", 2)
	v.SetDefault("mapping.burst", 4)
	v.SetDefault("mapping.review_confidence_threshold", 0.5)
	v.SetDefault("mapping.breaker_failures", 5)
	v.SetDefault("mapping.breaker_reset_secs", 30)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ftp.timeout_secs", 30)
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dead_letter_threshold", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Pricing tables are maps; fill missing providers from the defaults.
	defaults := cost.DefaultRates()
	if cfg.Pricing.Anthropic == nil {
		cfg.Pricing.Anthropic = map[string]cost.ModelRate{}
	}
	for k, r := range defaults.Anthropic {
		if _, ok := cfg.Pricing.Anthropic[k]; !ok {
			cfg.Pricing.Anthropic[k] = r
		}
	}
	if cfg.Pricing.OCR == nil {
		cfg.Pricing.OCR = map[string]cost.OCRRate{}
	}
	for k, r := range defaults.OCR {
		if _, ok := cfg.Pricing.OCR[k]; !ok {
			cfg.Pricing.OCR[k] = r
		}
	}

	return &cfg, nil
}

// Validate checks the keys a command mode needs. Modes: serve, worker, ocr,
// queue (database plus job transport) and store (database only).
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	validateStore := func() {
		switch c.Store.Driver {
		case "postgres":
			require(c.Store.DatabaseURL != "", "store.database_url is required")
		case "sqlite":
			require(c.Store.SQLitePath != "", "store.sqlite_path is required")
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
		}
	}
	validateQueue := func() {
		switch c.Queue.Driver {
		case "memory", "postgres":
		case "kafka":
			require(len(c.Queue.Kafka.Brokers) > 0, "queue.kafka.brokers is required")
			require(c.Queue.Kafka.Topic != "", "queue.kafka.topic is required")
		default:
			errs = append(errs, fmt.Sprintf("queue.driver %q is not supported", c.Queue.Driver))
		}
		if c.Queue.Driver == "postgres" {
			require(c.Store.Driver == "postgres", "queue.driver postgres requires store.driver postgres")
		}
		require(c.Queue.MaxDeliveries >= 1, "queue.max_deliveries must be >= 1")
	}
	validateOCR := func() {
		switch c.OCR.Provider {
		case "pdftotext":
			require(c.OCR.PdfToTextPath != "", "ocr.pdftotext_path is required")
		case "mistral":
			require(c.OCR.MistralKey != "", "ocr.mistral_api_key is required")
		case "service":
			require(c.OCR.ServiceURL != "", "ocr.service_url is required")
		default:
			errs = append(errs, fmt.Sprintf("ocr.provider %q is not supported", c.OCR.Provider))
		}
		require(c.OCR.TimeoutSecs > 0, "ocr.timeout_secs must be > 0")
	}
	validateMapping := func() {
		require(c.Anthropic.Key != "", "anthropic.key is required")
		require(c.Anthropic.Model != "", "anthropic.model is required")
		require(c.Mapping.TimeoutSecs > 0, "mapping.timeout_secs must be > 0")
		if c.Mapping.ReviewConfidenceThreshold < 0 || c.Mapping.ReviewConfidenceThreshold > 1 {
			errs = append(errs, "mapping.review_confidence_threshold must be between 0 and 1")
		}
		if c.Dispatch.Workers < 1 || c.Dispatch.Workers > 64 {
			errs = append(errs, "dispatch.workers must be between 1 and 64")
		}
	}

	switch mode {
	case "serve":
		validateStore()
		validateQueue()
		validateOCR()
		validateMapping()
		require(c.Server.Port > 0, "server.port must be > 0")
	case "worker":
		validateStore()
		validateQueue()
		validateMapping()
	case "ocr":
		validateStore()
		validateQueue()
		validateOCR()
	case "queue":
		validateStore()
		validateQueue()
	case "store":
		validateStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
