// Package config loads storefront client settings.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file named by --config or STOREFRONT_CONFIG, and environment
// variables. Command-line flags are applied by the caller on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

var (
	ErrMissingBaseURL = errors.New("config: base_url is required")
	ErrUnknownStorage = errors.New("config: unknown storage driver")
	ErrMissingDSN     = errors.New("config: storage.dsn is required for postgres")
)

// Config is the client configuration
type Config struct {
	// BaseURL is the storefront API root, without the /api suffix
	BaseURL string `yaml:"base_url"`

	// HTTPTimeout bounds every outbound request, e.g. "15s"
	HTTPTimeout string `yaml:"http_timeout"`

	// RateLimit caps outbound requests per second; 0 disables the limiter
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// RetryLedgerSize is how many request paths keep a 401 retry counter
	RetryLedgerSize int `yaml:"retry_ledger_size"`

	Storage  StorageConfig  `yaml:"storage"`
	Activity ActivityConfig `yaml:"activity"`
	Log      LogConfig      `yaml:"log"`

	// MetricsAddr serves /metrics when set, e.g. ":9102"
	MetricsAddr string `yaml:"metrics_addr"`
}

// StorageConfig selects where tokens are persisted between runs
type StorageConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`
}

// ActivityConfig enables the Kafka activity stream when brokers are set
type ActivityConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Enabled reports whether activity events go to Kafka
func (a ActivityConfig) Enabled() bool {
	return len(a.Brokers) > 0
}

// LogConfig configures zerolog output
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		BaseURL:         "http://localhost:8000",
		HTTPTimeout:     "15s",
		RateBurst:       10,
		RetryLedgerSize: 256,
		Storage: StorageConfig{
			Driver:    StorageFile,
			Path:      filepath.Join(homeDir, ".config", "storefront", "tokens.json"),
			Namespace: "default",
		},
		Activity: ActivityConfig{
			Topic:   "storefront-activity",
			GroupID: "storefront-cli",
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, the file at path (skipped when
// empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("STOREFRONT_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.BaseURL = getEnv("STOREFRONT_API_URL", c.BaseURL)
	c.HTTPTimeout = getEnv("STOREFRONT_HTTP_TIMEOUT", c.HTTPTimeout)
	c.Storage.Driver = getEnv("STOREFRONT_STORAGE", c.Storage.Driver)
	c.Storage.Path = getEnv("STOREFRONT_TOKEN_FILE", c.Storage.Path)
	c.Storage.DSN = getEnv("DATABASE_URL", c.Storage.DSN)
	c.Storage.Namespace = getEnv("STOREFRONT_PROFILE", c.Storage.Namespace)
	c.Activity.Topic = getEnv("KAFKA_TOPIC", c.Activity.Topic)
	c.Activity.GroupID = getEnv("KAFKA_CONSUMER_GROUP", c.Activity.GroupID)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.MetricsAddr = getEnv("STOREFRONT_METRICS_ADDR", c.MetricsAddr)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Activity.Brokers = splitList(brokers)
	}

	if v := getEnv("STOREFRONT_RATE_LIMIT", ""); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: STOREFRONT_RATE_LIMIT: %w", err)
		}
		c.RateLimit = rate
	}
	return nil
}

// Validate checks values that would otherwise fail later in obscure ways
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case StorageMemory, StorageFile:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorage, c.Storage.Driver)
	}

	if c.RetryLedgerSize <= 0 {
		c.RetryLedgerSize = 256
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return nil
}

// Timeout parses HTTPTimeout
func (c *Config) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.HTTPTimeout)
	if err != nil {
		return 0, fmt.Errorf("config: http_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: http_timeout must be positive, got %s", d)
	}
	return d, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
