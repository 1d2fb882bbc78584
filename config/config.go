// Package config loads trackctl and worker configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/trackable/pkg/db"
	"github.com/otherjamesbrown/trackable/pkg/jobs"
	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Dispatch modes.
const (
	DispatchSync  = "sync"
	DispatchAsync = "async"
	DispatchRedis = "redis"
)

// Notification backends.
const (
	NotifyNone     = "none"
	NotifyLog      = "log"
	NotifyRedis    = "redis"
	NotifyPostgres = "postgres"
)

// Default configuration values.
const (
	DefaultConfigDir    = ".trackable"
	DefaultConfigFile   = "config.yaml"
	DefaultQueueName    = "tracking"
	DefaultRedisAddr    = "localhost:6379"
	DefaultMetricsAddr  = ":9090"
	DefaultOutputFormat = OutputFormatText
)

// RedisConfig holds Redis connection settings shared by the job queue and the
// redis notification backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// DispatchConfig selects how deferred work (child propagation, dispatched
// merges) is executed.
type DispatchConfig struct {
	// Mode is sync, async or redis.
	Mode         string        `yaml:"mode"`
	Workers      int           `yaml:"workers"`
	QueueName    string        `yaml:"queue_name"`
	MaxRetries   int           `yaml:"max_retries"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// NotifyConfig selects where domain events are delivered.
type NotifyConfig struct {
	// Backend is none, log, redis or postgres.
	Backend string `yaml:"backend"`
	Channel string `yaml:"channel"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// CacheConfig feeds tracking cache keys.
type CacheConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
	Version   string `yaml:"version"`
}

// Config is the complete configuration.
type Config struct {
	Database        db.Config      `yaml:"database"`
	Redis           RedisConfig    `yaml:"redis"`
	Dispatch        DispatchConfig `yaml:"dispatch"`
	Notify          NotifyConfig   `yaml:"notify"`
	Logging         LoggingConfig  `yaml:"logging"`
	Metrics         MetricsConfig  `yaml:"metrics"`
	Cache           CacheConfig    `yaml:"cache"`
	DuplicateWindow time.Duration  `yaml:"duplicate_window"`
	OutputFormat    OutputFormat   `yaml:"output_format"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Database: *db.DefaultConfig(),
		Redis:    RedisConfig{Addr: DefaultRedisAddr},
		Dispatch: DispatchConfig{
			Mode:         DispatchSync,
			Workers:      2,
			QueueName:    DefaultQueueName,
			MaxRetries:   jobs.DefaultRetryPolicy().MaxRetries,
			PollInterval: time.Second,
		},
		Notify:          NotifyConfig{Backend: NotifyNone},
		Logging:         LoggingConfig{Level: string(logging.LevelInfo)},
		Metrics:         MetricsConfig{ListenAddr: DefaultMetricsAddr},
		DuplicateWindow: tracking.DefaultDuplicateWindow,
		OutputFormat:    DefaultOutputFormat,
	}
}

// ConfigDir returns the configuration directory path.
// Uses $TRACKABLE_CONFIG_DIR if set, otherwise ~/.trackable
func ConfigDir() (string, error) {
	if dir := os.Getenv("TRACKABLE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the configuration file path. $TRACKABLE_CONFIG names the
// file directly.
func ConfigPath() (string, error) {
	if path := os.Getenv("TRACKABLE_CONFIG"); path != "" {
		return path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads configuration in this order (later sources override earlier):
// 1. Default values
// 2. Config file (path argument, else ConfigPath; a missing default file is fine)
// 3. Environment variables
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	} else if explicit {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFromFile decodes path over the values already in cfg.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *Config) {
	cfg.Database.ApplyEnv()

	if v := os.Getenv("TRACKABLE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TRACKABLE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TRACKABLE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	if v := os.Getenv("TRACKABLE_DISPATCH_MODE"); v != "" {
		cfg.Dispatch.Mode = v
	}
	if v := os.Getenv("TRACKABLE_DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.Workers = n
		}
	}

	if v := os.Getenv("TRACKABLE_NOTIFY_BACKEND"); v != "" {
		cfg.Notify.Backend = v
	}
	if v := os.Getenv("TRACKABLE_NOTIFY_CHANNEL"); v != "" {
		cfg.Notify.Channel = v
	}

	if v := os.Getenv("TRACKABLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRACKABLE_LOG_JSON"); v == "true" || v == "1" {
		cfg.Logging.JSON = true
	}

	if v := os.Getenv("TRACKABLE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = v
	}

	if v := os.Getenv("TRACKABLE_DUPLICATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DuplicateWindow = d
		}
	}

	if v := os.Getenv("TRACKABLE_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	switch c.Dispatch.Mode {
	case DispatchSync, DispatchAsync:
	case DispatchRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("dispatch mode redis requires redis.addr")
		}
	default:
		return fmt.Errorf("invalid dispatch.mode: %q (must be sync, async, or redis)", c.Dispatch.Mode)
	}
	if c.Dispatch.Mode != DispatchSync && c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}

	switch c.Notify.Backend {
	case NotifyNone, NotifyLog, NotifyPostgres:
	case NotifyRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("notify backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("invalid notify.backend: %q (must be none, log, redis, or postgres)", c.Notify.Backend)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	if c.DuplicateWindow < 0 {
		return fmt.Errorf("duplicate_window must not be negative")
	}

	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}

	return nil
}

// LoggerConfig converts the logging section for logging.NewLogger.
func (c *Config) LoggerConfig() *logging.Config {
	out := logging.DefaultConfig()
	out.Level = logging.ParseLevel(c.Logging.Level)
	out.JSONFormat = c.Logging.JSON
	return out
}

// RetryPolicy returns the job retry policy with the configured retry limit.
func (c *Config) RetryPolicy() jobs.RetryPolicy {
	p := jobs.DefaultRetryPolicy()
	p.MaxRetries = c.Dispatch.MaxRetries
	return p
}

// QueueConfig returns the Redis queue settings for the dispatch section.
func (c *Config) QueueConfig() jobs.RedisConfig {
	name := c.Dispatch.QueueName
	if name == "" {
		name = DefaultQueueName
	}
	return jobs.DefaultRedisConfig(name)
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}
