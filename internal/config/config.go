package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "NETENGINE"

// ErrUnsupportedFormat is returned by LoadFile for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// Config holds all engine host configuration.
type Config struct {
	Connections ConnectionConfig `envconfig:"CONN" toml:"connections" yaml:"connections"`
	Pool        PoolConfig       `envconfig:"POOL" toml:"pool" yaml:"pool"`
	Gate        GateConfig       `envconfig:"GATE" toml:"gate" yaml:"gate"`
	Proxy       ProxyConfig      `envconfig:"PROXY" toml:"proxy" yaml:"proxy"`
	TLS         TLSConfig        `envconfig:"TLS" toml:"tls" yaml:"tls"`
	Retry       RetryConfig      `envconfig:"RETRY" toml:"retry" yaml:"retry"`
	RateLimit   RateLimitConfig  `envconfig:"RATE_LIMIT" toml:"rate_limit" yaml:"rate_limit"`
	Logging     LogConfig        `envconfig:"LOG" toml:"logging" yaml:"logging"`
}

// ConnectionConfig holds connection limits.
type ConnectionConfig struct {
	MaxPerHost  int      `envconfig:"MAX_PER_HOST" toml:"max_per_host" yaml:"max_per_host"`
	MaxTotal    int      `envconfig:"MAX_TOTAL" toml:"max_total" yaml:"max_total"`
	IdlePerHost int      `envconfig:"IDLE_PER_HOST" toml:"idle_per_host" yaml:"idle_per_host"`
	IdleTimeout Duration `envconfig:"IDLE_TIMEOUT" toml:"idle_timeout" yaml:"idle_timeout"`
}

// PoolConfig holds handle pool configuration.
type PoolConfig struct {
	Size int `envconfig:"SIZE" toml:"size" yaml:"size"`
}

// GateConfig holds concurrency gate configuration.
type GateConfig struct {
	Concurrency      int      `envconfig:"CONCURRENCY" toml:"concurrency" yaml:"concurrency"`
	QueueSize        int      `envconfig:"QUEUE_SIZE" toml:"queue_size" yaml:"queue_size"`
	Methods          []string `envconfig:"METHODS" toml:"methods" yaml:"methods"`
	AllNonIdempotent bool     `envconfig:"ALL_NON_IDEMPOTENT" toml:"all_non_idempotent" yaml:"all_non_idempotent"`
}

// ProxyConfig holds the default proxy descriptor.
type ProxyConfig struct {
	URL        string   `envconfig:"URL" toml:"url" yaml:"url"`
	Username   string   `envconfig:"USERNAME" toml:"username" yaml:"username"`
	Password   string   `envconfig:"PASSWORD" toml:"password" yaml:"password"`
	Bypass     []string `envconfig:"BYPASS" toml:"bypass" yaml:"bypass"`
	PACURL     string   `envconfig:"PAC_URL" toml:"pac_url" yaml:"pac_url"`
	UseEnv     bool     `envconfig:"USE_ENV" toml:"use_environment" yaml:"use_environment"`
	PACTimeout Duration `envconfig:"PAC_TIMEOUT" toml:"pac_timeout" yaml:"pac_timeout"`
}

// TLSConfig holds certificate validation configuration.
type TLSConfig struct {
	Validate   bool   `envconfig:"VALIDATE" toml:"validate" yaml:"validate"`
	AssetsPath string `envconfig:"ASSETS_PATH" toml:"assets_path" yaml:"assets_path"`
	Bundle     string `envconfig:"BUNDLE" toml:"bundle" yaml:"bundle"`
}

// BundlePath returns the trust bundle location, or "" when no assets path is set.
func (c TLSConfig) BundlePath() string {
	if c.AssetsPath == "" {
		return ""
	}
	return filepath.Join(c.AssetsPath, c.Bundle)
}

// RetryConfig holds the default delay between retry attempts.
type RetryConfig struct {
	MinWait Duration `envconfig:"MIN_WAIT" toml:"min_wait" yaml:"min_wait"`
	MaxWait Duration `envconfig:"MAX_WAIT" toml:"max_wait" yaml:"max_wait"`
}

// RateLimitConfig holds the engine-wide request start budget.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RPS" toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `envconfig:"BURST" toml:"burst" yaml:"burst"`
	Enabled           bool    `envconfig:"ENABLED" toml:"enabled" yaml:"enabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" toml:"level" yaml:"level"`
	Development bool   `envconfig:"DEV" toml:"development" yaml:"development"`
}

// Load loads configuration from environment variables on top of the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from a .toml, .yaml or .yml file, then applies
// environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
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

func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Connections: ConnectionConfig{
			MaxPerHost:  6,
			MaxTotal:    32,
			IdlePerHost: 2,
			IdleTimeout: Duration(90 * time.Second),
		},
		Pool: PoolConfig{
			Size: 16,
		},
		Gate: GateConfig{
			Concurrency: 4,
			QueueSize:   64,
			Methods:     []string{"POST", "PATCH"},
		},
		Proxy: ProxyConfig{
			PACTimeout: Duration(10 * time.Second),
		},
		TLS: TLSConfig{
			Validate: true,
			Bundle:   "cacert.pem",
		},
		Retry: RetryConfig{
			MinWait: Duration(250 * time.Millisecond),
			MaxWait: Duration(5 * time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           false,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.Connections.MaxPerHost <= 0:
		return errors.New("connections.max_per_host must be positive")
	case c.Connections.MaxTotal < c.Connections.MaxPerHost:
		return errors.New("connections.max_total must be at least connections.max_per_host")
	case c.Connections.IdlePerHost < 0:
		return errors.New("connections.idle_per_host must not be negative")
	case c.Pool.Size < 0:
		return errors.New("pool.size must not be negative")
	case c.Gate.Concurrency <= 0:
		return errors.New("gate.concurrency must be positive")
	case c.Gate.QueueSize <= 0:
		return errors.New("gate.queue_size must be positive")
	case c.Retry.MaxWait < c.Retry.MinWait:
		return errors.New("retry.max_wait must be at least retry.min_wait")
	case c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0:
		return errors.New("rate_limit.requests_per_second must be positive when enabled")
	}
	if c.Proxy.URL != "" && c.Proxy.PACURL != "" {
		return errors.New("proxy.url and proxy.pac_url are mutually exclusive")
	}
	return nil
}

// Duration is a time.Duration read from strings such as "250ms" or "1m30s".
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
