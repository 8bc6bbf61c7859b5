package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Relay   RelayConfig   `yaml:"relay"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Port           int    `yaml:"port"`
	SecretKey      string `yaml:"secret_key"`
	MaxConnections int    `yaml:"max_connections"`
	SendBuffer     int    `yaml:"send_buffer"`

	// AllowedOrigins restricts CORS on the HTTP endpoints; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	Backend        string        `yaml:"backend"`
	RedisURL       string        `yaml:"redis_url"`
	DatabaseURL    string        `yaml:"database_url"`
	KeyPrefix      string        `yaml:"key_prefix"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

type RelayConfig struct {
	BlockTimeout time.Duration `yaml:"block_timeout"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	PageSize     int64         `yaml:"page_size"`
	PublishRate  float64       `yaml:"publish_rate"`
	PublishBurst int           `yaml:"publish_burst"`
	HeldLimit    int           `yaml:"held_limit"`
}

type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the settings the relay runs with when nothing overrides them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			MaxConnections: 1000,
			SendBuffer:     256,
		},
		Store: StoreConfig{
			Backend:        BackendRedis,
			HealthInterval: 2 * time.Second,
		},
		Relay: RelayConfig{
			BlockTimeout: 5 * time.Second,
			RetryBackoff: 2 * time.Second,
			PageSize:     100,
			PublishRate:  50,
			PublishBurst: 100,
			HeldLimit:    4096,
		},
		Metrics: MetricsConfig{
			Interval: 10 * time.Second,
		},
	}
}

// Load reads a YAML file on top of the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides file settings with environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("WEBSOCKET_SECRET_KEY"); v != "" {
		c.Server.SecretKey = v
	}
	if v := getenv("MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CONNECTIONS: %w", err)
		}
		c.Server.MaxConnections = n
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}
	if v := getenv("LOG_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := getenv("STREAM_KEY_PREFIX"); v != "" {
		c.Store.KeyPrefix = v
	}
	if v := getenv("PUBLISH_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PUBLISH_RATE: %w", err)
		}
		c.Relay.PublishRate = rate
	}
	if v := getenv("PUBLISH_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PUBLISH_BURST: %w", err)
		}
		c.Relay.PublishBurst = burst
	}
	if v := getenv("METRICS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("METRICS_INTERVAL: %w", err)
		}
		c.Metrics.Interval = d
	}
	return nil
}

// Validate reports settings the relay cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.SecretKey == "" {
		errs = append(errs, errors.New("WEBSOCKET_SECRET_KEY is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown log backend %q", c.Store.Backend))
	}
	if c.Metrics.Interval <= 0 {
		errs = append(errs, errors.New("metrics interval must be positive"))
	}
	if c.Relay.PublishRate < 0 || c.Relay.PublishBurst < 0 {
		errs = append(errs, errors.New("publish rate and burst must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
