package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the reporting subsystem.
type Config struct {
	Session    SessionConfig    `yaml:"session"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Queue      QueueConfig      `yaml:"queue"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SessionConfig identifies the running process to the aggregator and
// controls fault sampling. Resolved once at startup, read-only after.
type SessionConfig struct {
	Environment string  `yaml:"environment"`
	Release     string  `yaml:"release"`
	SampleRate  float64 `yaml:"sampleRate"`
}

// AggregatorConfig configures access to the telemetry aggregation service.
type AggregatorConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// QueueConfig bounds the in-process report buffer.
type QueueConfig struct {
	MaxSize int `yaml:"maxSize"`
}

// DeliveryConfig controls the background delivery loop and its circuit breaker.
type DeliveryConfig struct {
	Interval         time.Duration `yaml:"interval"`
	BatchSize        int           `yaml:"batchSize"`
	FailureThreshold int           `yaml:"failureThreshold"`
	BackoffInitial   time.Duration `yaml:"backoffInitial"`
	BackoffMax       time.Duration `yaml:"backoffMax"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file plus environment overrides, then
// validates it. A telemetry pipeline that boots misconfigured loses every
// future report silently, so validation failures abort Load.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			SampleRate: 1.0,
		},
		Aggregator: AggregatorConfig{
			Timeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			MaxSize: 256,
		},
		Delivery: DeliveryConfig{
			Interval:         30 * time.Second,
			BatchSize:        25,
			FailureThreshold: 5,
			BackoffInitial:   5 * time.Second,
			BackoffMax:       5 * time.Minute,
			ShutdownTimeout:  2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

// Validate rejects configurations that would cripple the pipeline. Endpoint,
// environment and release have no sane defaults and must be supplied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Aggregator.Endpoint) == "" {
		return errors.New("aggregator endpoint is required")
	}
	if strings.TrimSpace(c.Session.Environment) == "" {
		return errors.New("session environment is required")
	}
	if strings.TrimSpace(c.Session.Release) == "" {
		return errors.New("session release is required")
	}
	if c.Session.SampleRate < 0 || c.Session.SampleRate > 1 {
		return fmt.Errorf("sample rate %v outside [0,1]", c.Session.SampleRate)
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue maxSize must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Aggregator.Timeout <= 0 {
		return fmt.Errorf("aggregator timeout must be positive, got %v", c.Aggregator.Timeout)
	}
	if c.Delivery.Interval <= 0 {
		return fmt.Errorf("delivery interval must be positive, got %v", c.Delivery.Interval)
	}
	if c.Delivery.BatchSize <= 0 {
		return fmt.Errorf("delivery batchSize must be positive, got %d", c.Delivery.BatchSize)
	}
	if c.Delivery.FailureThreshold <= 0 {
		return fmt.Errorf("delivery failureThreshold must be positive, got %d", c.Delivery.FailureThreshold)
	}
	if c.Delivery.BackoffInitial <= 0 || c.Delivery.BackoffMax < c.Delivery.BackoffInitial {
		return fmt.Errorf("backoff window %v..%v is not a valid range", c.Delivery.BackoffInitial, c.Delivery.BackoffMax)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RS_AGGREGATOR_ENDPOINT"); v != "" {
		cfg.Aggregator.Endpoint = v
	}
	if v := os.Getenv("RS_AGGREGATOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregator.Timeout = d
		}
	}
	if v := os.Getenv("RS_ENVIRONMENT"); v != "" {
		cfg.Session.Environment = v
	}
	if v := os.Getenv("RS_RELEASE"); v != "" {
		cfg.Session.Release = v
	}
	if v := os.Getenv("RS_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Session.SampleRate = rate
		}
	}
	if v := os.Getenv("RS_QUEUE_MAX_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxSize = size
		}
	}
	if v := os.Getenv("RS_DELIVERY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.Interval = d
		}
	}
	if v := os.Getenv("RS_BATCH_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Delivery.BatchSize = size
		}
	}
	if v := os.Getenv("RS_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Delivery.FailureThreshold = n
		}
	}
	if v := os.Getenv("RS_BACKOFF_INITIAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.BackoffInitial = d
		}
	}
	if v := os.Getenv("RS_BACKOFF_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.BackoffMax = d
		}
	}
	if v := os.Getenv("RS_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("RS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
