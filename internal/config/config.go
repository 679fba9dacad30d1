// Package config provides configuration management for PhishForge.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/phishforge/internal/api/gateway"
	"github.com/lvonguyen/phishforge/internal/enrichment"
	"github.com/lvonguyen/phishforge/internal/observability"
	"github.com/lvonguyen/phishforge/internal/report"
)

// Config holds all PhishForge configuration.
type Config struct {
	Geolocation GeolocationConfig       `yaml:"geolocation"`
	Redis       RedisConfig             `yaml:"redis"`
	RateLimit   gateway.RateLimitConfig `yaml:"rate_limit"`
	Server      ServerConfig            `yaml:"server"`
	Splunk      SplunkConfig            `yaml:"splunk"`
	Report      ReportConfig            `yaml:"report"`
	Logging     LoggingConfig           `yaml:"logging"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
}

// GeolocationConfig holds address lookup settings.
type GeolocationConfig struct {
	Enabled           bool `yaml:"enabled"`
	LookupConcurrency int  `yaml:"lookup_concurrency"`

	enrichment.ProviderConfig `yaml:",inline"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// rate limiting.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitTier   string        `yaml:"rate_limit_tier"` // tier applied to API clients
}

// SplunkConfig holds Splunk HEC settings.
type SplunkConfig struct {
	Sender report.SenderConfig `yaml:"sender"`
}

// ReportConfig holds report output settings.
type ReportConfig struct {
	OutputDir string `yaml:"output_dir"`
	Indent    bool   `yaml:"indent"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Quiet  bool   `yaml:"quiet"`  // suppress console progress
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Geolocation.LookupConcurrency < 1 {
		return fmt.Errorf("geolocation.lookup_concurrency must be positive, got %d", c.Geolocation.LookupConcurrency)
	}
	if c.Splunk.Sender.Enabled && c.Splunk.Sender.HECURL == "" {
		return fmt.Errorf("splunk.sender.hec_url is required when the sender is enabled")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be within [0, 1], got %v", c.Telemetry.SamplingRate)
	}
	return nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Geolocation: GeolocationConfig{
			Enabled:           true,
			LookupConcurrency: 4,
			ProviderConfig:    enrichment.DefaultProviderConfig(),
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		RateLimit: gateway.RateLimitConfig{
			KeyPrefix:      "phishforge:ratelimit",
			Tier:           "free",
			MaxWait:        2 * time.Minute,
			Tiers:          gateway.DefaultTiers(),
			Endpoints:      gateway.DefaultEndpointLimits(),
			IncludeHeaders: true,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitTier:   "api",
		},
		Splunk: SplunkConfig{
			Sender: report.DefaultSenderConfig(),
		},
		Report: ReportConfig{
			OutputDir: ".",
			Indent:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			MetricsEnabled: true,
			SamplingRate:   1.0,
		},
	}
}

// Observability builds the telemetry configuration for the given build
// version.
func (c *Config) Observability(version string) observability.Config {
	return observability.Config{
		ServiceName:    "phishforge",
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		TracingEnabled: c.Telemetry.TracingEnabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
		MetricsEnabled: c.Telemetry.MetricsEnabled,
	}
}
