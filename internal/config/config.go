package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all sandbox configuration.
type Config struct {
	Sandbox  SandboxConfig
	Analysis AnalysisConfig
	Broker   BrokerConfig
	Consumer ConsumerConfig
	Server   ServerConfig
	Logging  LogConfig
}

// SandboxConfig tunes the execution host.
type SandboxConfig struct {
	UserAgent         string        `envconfig:"SANDBOX_USER_AGENT"`
	NetworkEnabled    bool          `envconfig:"SANDBOX_NETWORK"`
	EvalTimeout       time.Duration `envconfig:"SANDBOX_EVAL_TIMEOUT"`
	RequestTimeout    time.Duration `envconfig:"SANDBOX_REQUEST_TIMEOUT"`
	RequestsPerSecond float64       `envconfig:"SANDBOX_RPS"`
	MaxResponseBytes  int64         `envconfig:"SANDBOX_MAX_RESPONSE_BYTES"`
	MaxSessions       int           `envconfig:"SANDBOX_MAX_SESSIONS"`
	PageCacheSize     int           `envconfig:"SANDBOX_PAGE_CACHE_SIZE"`
	PageCacheTTL      time.Duration `envconfig:"SANDBOX_PAGE_CACHE_TTL"`
	ExtraSuspicious   []string      `envconfig:"SANDBOX_SUSPICIOUS_MIME"`
}

// AnalysisConfig bounds the observation window.
type AnalysisConfig struct {
	DrainCeiling time.Duration `envconfig:"DRAIN_CEILING"`
	DrainBuffer  time.Duration `envconfig:"DRAIN_BUFFER"`
	RemoveSample bool          `envconfig:"REMOVE_SAMPLE"`
}

// BrokerConfig holds the message queue connection.
type BrokerConfig struct {
	URL               string        `envconfig:"BROKER_URL"`
	ResultsSubject    string        `envconfig:"BROKER_RESULTS_SUBJECT"`
	FilesSubject      string        `envconfig:"BROKER_FILES_SUBJECT"`
	QueueGroup        string        `envconfig:"BROKER_QUEUE_GROUP"`
	ConnectTimeout    time.Duration `envconfig:"BROKER_CONNECT_TIMEOUT"`
	CompressThreshold int           `envconfig:"BROKER_COMPRESS_THRESHOLD"`
}

// ConsumerConfig holds serve-mode settings.
type ConsumerConfig struct {
	SamplesDir  string `envconfig:"SAMPLES_DIR"`
	BaitWebsite string `envconfig:"BAIT_WEBSITE"`
	Concurrency int    `envconfig:"CONSUMER_CONCURRENCY"`
}

// ServerConfig holds the health/metrics listener.
type ServerConfig struct {
	Addr string `envconfig:"METRICS_ADDR"`
	// CORSOrigins lets dashboards on other origins poll /health.
	CORSOrigins []string `envconfig:"METRICS_CORS_ORIGINS"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL"`
	Development bool   `envconfig:"LOG_DEV"`
}

// Load builds configuration from defaults and environment variables.
func Load() (*Config, error) {
	return LoadDir("")
}

// LoadDir builds configuration in three layers: defaults, then the files
// found in dir (broker.yaml, sandbox.toml), then environment variables.
func LoadDir(dir string) (*Config, error) {
	cfg := Default()
	if dir != "" {
		if err := applyFiles(cfg, dir); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			NetworkEnabled:    true,
			EvalTimeout:       30 * time.Second,
			RequestTimeout:    15 * time.Second,
			RequestsPerSecond: 20,
			MaxResponseBytes:  20 << 20,
			MaxSessions:       4,
			PageCacheSize:     64,
			PageCacheTTL:      10 * time.Minute,
		},
		Analysis: AnalysisConfig{
			DrainCeiling: 10 * time.Second,
			DrainBuffer:  time.Second,
			RemoveSample: false,
		},
		Broker: BrokerConfig{
			URL:               "nats://localhost:4222",
			ResultsSubject:    "malsmug.sandbox_iocs",
			FilesSubject:      "malsmug.files_for_analysis",
			QueueGroup:        "sandbox",
			ConnectTimeout:    10 * time.Second,
			CompressThreshold: 512 << 10,
		},
		Consumer: ConsumerConfig{
			SamplesDir:  "./samples",
			BaitWebsite: "https://facebook.com",
			Concurrency: 4,
		},
		Server: ServerConfig{
			Addr: ":9464",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate rejects values the sandbox cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Analysis.DrainCeiling < 0:
		return fmt.Errorf("drain ceiling must not be negative: %s", c.Analysis.DrainCeiling)
	case c.Analysis.DrainBuffer < 0:
		return fmt.Errorf("drain buffer must not be negative: %s", c.Analysis.DrainBuffer)
	case c.Sandbox.MaxSessions <= 0:
		return fmt.Errorf("max sessions must be positive: %d", c.Sandbox.MaxSessions)
	case c.Broker.URL == "":
		return fmt.Errorf("broker url required")
	case c.Broker.ResultsSubject == "":
		return fmt.Errorf("results subject required")
	case c.Consumer.Concurrency <= 0:
		return fmt.Errorf("consumer concurrency must be positive: %d", c.Consumer.Concurrency)
	}
	return nil
}
