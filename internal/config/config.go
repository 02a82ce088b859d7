package config

import (
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Database        DatabaseConfig  `yaml:"database"`
	Log             LogConfig       `yaml:"log"`
	Collector       CollectorConfig `yaml:"collector"`
	Sink            SinkConfig      `yaml:"sink"`
	HTTP            HTTPConfig      `yaml:"http"`
	Metrics         MetricsConfig   `yaml:"metrics"`
	Script          string          `yaml:"script"`           // Optional Lua script run at startup
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"` // Bounds the final flush and server shutdown
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string        `yaml:"level"`
	Colors  bool          `yaml:"colors"`
	UseJSON bool          `yaml:"json"`
	File    LogFileConfig `yaml:"file"`
}

// LogFileConfig enables a rotating log file next to stderr output.
// Rotation parameters follow lumberjack semantics.
type LogFileConfig struct {
	Path       string `yaml:"path"` // Empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// CollectorConfig contains event buffering settings
type CollectorConfig struct {
	FlushInterval Duration `yaml:"flush_interval"` // Periodic flush cadence (default: 30s)
	HistoryLimit  int      `yaml:"history_limit"`  // Local history cap (default: 100)
	Bucket        string   `yaml:"bucket"`         // KV bucket for local storage (default: "tracker")
	Persistent    *bool    `yaml:"persistent"`     // Keep local storage in SQLite (default: true)

	// Page context used when a caller does not supply one
	URL       string `yaml:"url"`
	UserAgent string `yaml:"user_agent"`
	Referrer  string `yaml:"referrer"`
}

// IsPersistent returns whether local storage is backed by SQLite
func (c *CollectorConfig) IsPersistent() bool {
	return c.Persistent == nil || *c.Persistent
}

// Sink types
const (
	SinkSimulated = "simulated"
	SinkHTTP      = "http"
)

// SinkConfig selects and tunes the delivery target
type SinkConfig struct {
	Type string `yaml:"type"` // simulated | http

	// Simulated sink
	SuccessRate float64  `yaml:"success_rate"` // Probability of a successful delivery (default: 0.95)
	MinLatency  Duration `yaml:"min_latency"`  // default: 100ms
	MaxLatency  Duration `yaml:"max_latency"`  // default: 300ms

	// HTTP sink
	URL     string        `yaml:"url"`
	Timeout Duration      `yaml:"timeout"` // HTTP client timeout (default: 10s)
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around the HTTP sink
type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures"` // Consecutive failures before opening (default: 5)
	OpenTimeout Duration `yaml:"open_timeout"` // Time spent open before half-open (default: 1m)
}

// HTTPConfig contains API server settings
type HTTPConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"` // Ingest limit, 0 = unlimited
}

// GetHost returns host with default
func (c *HTTPConfig) GetHost() string {
	if c.Host == "" {
		return "127.0.0.1"
	}
	return c.Host
}

// GetPort returns port with default
func (c *HTTPConfig) GetPort() int {
	if c.Port == 0 {
		return 8123
	}
	return c.Port
}

// MetricsConfig controls Prometheus metrics exposure
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// GetShutdownTimeout returns the shutdown timeout with default
func (c *Config) GetShutdownTimeout() time.Duration {
	if c.ShutdownTimeout == 0 {
		return 5 * time.Second
	}
	return c.ShutdownTimeout.Duration()
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./trackerd.sqlite"
	}

	// Collector defaults
	if cfg.Collector.FlushInterval == 0 {
		cfg.Collector.FlushInterval = Duration(30 * time.Second)
	}
	if cfg.Collector.HistoryLimit <= 0 {
		cfg.Collector.HistoryLimit = 100
	}
	if cfg.Collector.Bucket == "" {
		cfg.Collector.Bucket = "tracker"
	}

	// Sink defaults
	if cfg.Sink.Type == "" {
		cfg.Sink.Type = SinkSimulated
	}
	if cfg.Sink.SuccessRate == 0 {
		cfg.Sink.SuccessRate = 0.95
	}
	if cfg.Sink.MinLatency == 0 {
		cfg.Sink.MinLatency = Duration(100 * time.Millisecond)
	}
	if cfg.Sink.MaxLatency == 0 {
		cfg.Sink.MaxLatency = Duration(300 * time.Millisecond)
	}
	if cfg.Sink.Timeout == 0 {
		cfg.Sink.Timeout = Duration(10 * time.Second)
	}
	if cfg.Sink.Breaker.MaxFailures == 0 {
		cfg.Sink.Breaker.MaxFailures = 5
	}
	if cfg.Sink.Breaker.OpenTimeout == 0 {
		cfg.Sink.Breaker.OpenTimeout = Duration(time.Minute)
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
