// Package config provides configuration structures and loading logic for the
// orchestration engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fmonfasani/iopeer.com/internal/governance"
	"github.com/fmonfasani/iopeer.com/pkg/telemetry"
)

// Config holds the global configuration.
type Config struct {
	Engine    EngineConfig                    `yaml:"engine"`
	Breaker   governance.CircuitBreakerConfig `yaml:"breaker"`
	Optimizer OptimizerConfig                 `yaml:"optimizer"`
	Storage   StorageConfig                   `yaml:"storage"`
	Redis     RedisConfig                     `yaml:"redis"`
	Governor  GovernorConfig                  `yaml:"governor"`
	Server    ServerConfig                    `yaml:"server"`
	Telemetry telemetry.Config                `yaml:"telemetry"`
	Logging   LoggingConfig                   `yaml:"logging"`
}

// EngineConfig holds scheduler settings.
type EngineConfig struct {
	// PoolSize bounds concurrent blocking provider calls.
	PoolSize int `yaml:"pool_size"`
	// FailurePolicy is "isolate" or "halt".
	FailurePolicy    string        `yaml:"failure_policy"`
	ConditionTimeout time.Duration `yaml:"condition_timeout"`
}

// OptimizerConfig tunes the planner and its result cache.
type OptimizerConfig struct {
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	WarnAbove     time.Duration `yaml:"warn_above"`
	MaxLayerWidth int           `yaml:"max_layer_width"`
}

// StorageConfig selects the execution archive.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	HistoryWindow int    `yaml:"history_window"`
}

// RedisConfig enables the shared tenant usage store when Address is set.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// GovernorConfig points at an optional tier policy file.
type GovernorConfig struct {
	PolicyFile string `yaml:"policy_file"`
	// Watch reloads PolicyFile when it changes.
	Watch bool `yaml:"watch"`
}

// ServerConfig holds the event stream and metrics listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			PoolSize:         8,
			FailurePolicy:    "isolate",
			ConditionTimeout: 10 * time.Millisecond,
		},
		Breaker: governance.DefaultCircuitBreakerConfig(),
		Optimizer: OptimizerConfig{
			CacheSize:     256,
			CacheTTL:      24 * time.Hour,
			WarnAbove:     30 * time.Minute,
			MaxLayerWidth: 5,
		},
		Storage: StorageConfig{
			Driver:        "memory",
			HistoryWindow: 50,
		},
		Redis: RedisConfig{KeyPrefix: "iopeer:"},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Telemetry: telemetry.Config{ServiceName: "iopeer"},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	envInt := func(name string, dst *int) {
		if val := os.Getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	envInt("IOPEER_POOL_SIZE", &cfg.Engine.PoolSize)
	if val := os.Getenv("IOPEER_FAILURE_POLICY"); val != "" {
		cfg.Engine.FailurePolicy = val
	}

	if val := os.Getenv("IOPEER_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("IOPEER_STORAGE_DSN"); val != "" {
		cfg.Storage.DSN = val
	}

	if val := os.Getenv("IOPEER_REDIS_ADDR"); val != "" {
		cfg.Redis.Address = val
	}
	if val := os.Getenv("IOPEER_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	envInt("IOPEER_REDIS_DB", &cfg.Redis.DB)

	if val := os.Getenv("IOPEER_POLICY_FILE"); val != "" {
		cfg.Governor.PolicyFile = val
	}
	if val := os.Getenv("IOPEER_POLICY_WATCH"); val == "true" {
		cfg.Governor.Watch = true
	}

	if val := os.Getenv("IOPEER_LISTEN"); val != "" {
		cfg.Server.Listen = val
	}

	if val := os.Getenv("IOPEER_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("IOPEER_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("IOPEER_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("IOPEER_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
	return errors.Join(errs...)
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := validateBreaker(c.Breaker); err != nil {
		return fmt.Errorf("breaker configuration: %w", err)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return fmt.Errorf("optimizer configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Governor.Validate(); err != nil {
		return fmt.Errorf("governor configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry configuration: sample_ratio %v outside [0, 1]", c.Telemetry.SampleRatio)
	}
	return nil
}

// Validate checks the engine settings.
func (c *EngineConfig) Validate() error {
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative, got %d", c.PoolSize)
	}
	policy := strings.ToLower(strings.TrimSpace(c.FailurePolicy))
	switch policy {
	case "":
		c.FailurePolicy = "isolate"
	case "isolate", "halt":
		c.FailurePolicy = policy
	default:
		return fmt.Errorf("invalid failure_policy %q, supported: isolate, halt", c.FailurePolicy)
	}
	if c.ConditionTimeout < 0 {
		return fmt.Errorf("condition_timeout must not be negative")
	}
	return nil
}

func validateBreaker(c governance.CircuitBreakerConfig) error {
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 100 {
		return fmt.Errorf("failure_rate_threshold %v outside [0, 100]", c.FailureRateThreshold)
	}
	if c.MinRequests < 0 {
		return fmt.Errorf("min_requests must not be negative")
	}
	if c.CoolDown < 0 {
		return fmt.Errorf("cool_down must not be negative")
	}
	return nil
}

// Validate checks the optimizer settings.
func (c *OptimizerConfig) Validate() error {
	if c.CacheSize < 0 || c.MaxLayerWidth < 0 {
		return fmt.Errorf("cache_size and max_layer_width must not be negative")
	}
	if c.CacheTTL < 0 || c.WarnAbove < 0 {
		return fmt.Errorf("cache_ttl and warn_above must not be negative")
	}
	return nil
}

// Validate checks the storage settings.
func (c *StorageConfig) Validate() error {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", "memory":
		c.Driver = "memory"
	case "sqlite":
		c.Driver = driver
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("sqlite driver requires a dsn")
		}
	default:
		return fmt.Errorf("invalid driver %q, supported: memory, sqlite", c.Driver)
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("history_window must not be negative")
	}
	return nil
}

// Validate checks the governor settings.
func (c *GovernorConfig) Validate() error {
	if c.Watch && strings.TrimSpace(c.PolicyFile) == "" {
		return fmt.Errorf("watch requires policy_file")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
