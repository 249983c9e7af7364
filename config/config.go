package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"greenmove/adapters/redis"
	"greenmove/adapters/sqlx"
	"greenmove/geo"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

const redacted = "[REDACTED]"

// configExts lists the file formats LoadFromFile understands.
var configExts = []string{".json", ".yaml", ".yml"}

// Config is the full server configuration. Values come from DefaultConfig or
// a profile, then an optional JSON or YAML file, then GREENMOVE_* variables.
type Config struct {
	Environment Environment `json:"environment" yaml:"environment" env:"GREENMOVE_ENV"`
	Profile     string      `json:"profile" yaml:"profile" env:"GREENMOVE_PROFILE"`

	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
}

type ServerConfig struct {
	Address           string        `json:"address" yaml:"address" env:"GREENMOVE_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" yaml:"path_prefix" env:"GREENMOVE_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" yaml:"cors_origin" env:"GREENMOVE_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout" env:"GREENMOVE_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" env:"GREENMOVE_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"GREENMOVE_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"GREENMOVE_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"GREENMOVE_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects the ledger storage adapter: memory, file, redis or sql.
type StorageConfig struct {
	Adapter string       `json:"adapter" yaml:"adapter" env:"GREENMOVE_STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty" yaml:"redis,omitempty"`
	SQL     sqlx.Config  `json:"sql,omitempty" yaml:"sql,omitempty"`
	File    FileConfig   `json:"file,omitempty" yaml:"file,omitempty"`
}

type FileConfig struct {
	Path string `json:"path" yaml:"path" env:"GREENMOVE_STORAGE_FILE_PATH"`
}

type LoggingConfig struct {
	Level      string            `json:"level" yaml:"level" env:"GREENMOVE_LOG_LEVEL"`
	Format     string            `json:"format" yaml:"format" env:"GREENMOVE_LOG_FORMAT"`
	Output     string            `json:"output" yaml:"output" env:"GREENMOVE_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty" env:"GREENMOVE_LOG_ATTRIBUTES"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" env:"GREENMOVE_METRICS_ENABLED"`
	Address       string `json:"address" yaml:"address" env:"GREENMOVE_METRICS_ADDR"`
	Path          string `json:"path" yaml:"path" env:"GREENMOVE_METRICS_PATH"`
	CollectSystem bool   `json:"collect_system" yaml:"collect_system" env:"GREENMOVE_METRICS_COLLECT_SYSTEM"`
}

type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" yaml:"enable_rate_limit" env:"GREENMOVE_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	APIKeys         []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty" env:"GREENMOVE_SECURITY_API_KEYS"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute" env:"GREENMOVE_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size" env:"GREENMOVE_SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" env:"GREENMOVE_SECURITY_RATE_LIMIT_CLEANUP"`
}

// LedgerConfig holds activity ledger settings.
type LedgerConfig struct {
	DefaultUserID     string        `json:"default_user_id" yaml:"default_user_id" env:"GREENMOVE_LEDGER_DEFAULT_USER"`
	AutoProvision     bool          `json:"auto_provision" yaml:"auto_provision" env:"GREENMOVE_LEDGER_AUTO_PROVISION"`
	RatesFile         string        `json:"rates_file,omitempty" yaml:"rates_file,omitempty" env:"GREENMOVE_LEDGER_RATES_FILE"`
	ReconcileSchedule string        `json:"reconcile_schedule,omitempty" yaml:"reconcile_schedule,omitempty" env:"GREENMOVE_LEDGER_RECONCILE_SCHEDULE"`
	LeaderboardSize   int           `json:"leaderboard_size" yaml:"leaderboard_size" env:"GREENMOVE_LEDGER_LEADERBOARD_SIZE"`
	MapResolution     int           `json:"map_resolution" yaml:"map_resolution" env:"GREENMOVE_LEDGER_MAP_RESOLUTION"`
	Webhooks          WebhookConfig `json:"webhooks" yaml:"webhooks"`
}

// WebhookConfig lists endpoints notified of reward events.
type WebhookConfig struct {
	Endpoints []string      `json:"endpoints,omitempty" yaml:"endpoints,omitempty" env:"GREENMOVE_WEBHOOK_ENDPOINTS"`
	Secret    string        `json:"secret,omitempty" yaml:"secret,omitempty" env:"GREENMOVE_WEBHOOK_SECRET"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" env:"GREENMOVE_WEBHOOK_TIMEOUT"`
}

// Load returns the defaults overlaid with environment variables.
func Load() (*Config, error) {
	return finish(DefaultConfig())
}

// LoadFromFile reads a .json, .yaml or .yml file over the defaults, then
// applies environment overrides. Unknown keys are rejected in both formats.
// YAML durations may be written as strings such as "30s".
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := decodeFile(filepath.Ext(path), data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return finish(cfg)
}

func decodeFile(ext string, data []byte, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

// finish applies environment overrides and validates.
func finish(cfg *Config) (*Config, error) {
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}
	clean := filepath.Clean(path)
	if !slices.Contains(configExts, strings.ToLower(filepath.Ext(clean))) {
		return fmt.Errorf("config file must have one of the extensions %s", strings.Join(configExts, ", "))
	}
	if _, err := os.Stat(clean); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}
	return nil
}

// DefaultConfig returns development defaults: in-memory storage, JSON logs
// and metrics off.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
			File:    FileConfig{Path: "./data/greenmove.json"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Address:       ":9090",
			Path:          "/metrics",
			CollectSystem: true,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
		Ledger: LedgerConfig{
			DefaultUserID:     "default-user",
			AutoProvision:     true,
			ReconcileSchedule: "@every 1h",
			LeaderboardSize:   100,
			MapResolution:     geo.DefaultResolution,
			Webhooks:          WebhookConfig{Timeout: 5 * time.Second},
		},
	}
}

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() Config {
	cfg := *c
	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = redacted
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = redacted
	}
	if cfg.Ledger.Webhooks.Secret != "" {
		cfg.Ledger.Webhooks.Secret = redacted
	}
	if len(cfg.Security.APIKeys) > 0 {
		cfg.Security.APIKeys = []string{redacted}
	}
	return cfg
}

// String renders the redacted config as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
