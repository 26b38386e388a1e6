// Package config loads the service configuration from the environment and,
// when CONFIG_PATH is set, from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StoragePGX      = "pgx"
)

type HTTPServer struct {
	Addr            string        `yaml:"address" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"5s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"5s"`
}

type Storage struct {
	Driver      string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	MaxRetries  uint   `yaml:"max_retries" env:"DB_MAX_RETRIES" env-default:"5"`
}

type Membership struct {
	ServiceURL string        `yaml:"service_url" env:"MEMBERSHIP_SERVICE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"MEMBERSHIP_TIMEOUT" env-default:"2s"`
}

type RateLimit struct {
	PerMinute int `yaml:"per_minute" env:"RATE_LIMIT_PER_MINUTE" env-default:"30"`
	Burst     int `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"5"`
}

type Telemetry struct {
	OTLPEndpoint    string        `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsInterval time.Duration `yaml:"metrics_interval" env:"METRICS_EXPORT_INTERVAL" env-default:"15s"`
	ServiceName     string        `yaml:"service_name" env:"SERVICE_NAME" env-default:"lendtrack"`
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"production"`
	HTTPServer HTTPServer `yaml:"http_server"`
	Storage    Storage    `yaml:"storage"`
	Membership Membership `yaml:"membership"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

// Load reads the configuration. Environment variables override file values.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres, StoragePGX:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for storage driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
