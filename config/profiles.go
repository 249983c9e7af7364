package config

import (
	"fmt"
	"time"
)

// LoadProfile returns the defaults for a named deployment profile, with
// environment variables applied on top.
func LoadProfile(name string) (*Config, error) {
	build, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	cfg := DefaultConfig()
	build(cfg)
	cfg.Profile = name

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for profile %s: %w", name, err)
	}
	return cfg, nil
}

var profiles = map[string]func(*Config){
	"development": func(c *Config) {
		c.Environment = EnvDevelopment
		c.Logging.Level = "debug"
		c.Logging.Format = "text"
	},
	"testing": func(c *Config) {
		c.Environment = EnvTesting
		c.Storage.Adapter = "memory"
		c.Logging.Level = "warn"
		c.Ledger.ReconcileSchedule = ""
	},
	"staging": func(c *Config) {
		c.Environment = EnvStaging
		c.Storage.Adapter = "file"
		c.Metrics.Enabled = true
		c.Security.EnableRateLimit = true
	},
	"production": func(c *Config) {
		c.Environment = EnvProduction
		c.Storage.Adapter = "sql"
		c.Server.CORSOrigin = ""
		c.Metrics.Enabled = true
		c.Security.EnableRateLimit = true
		c.Security.RateLimit.RequestsPerMinute = 120
		c.Security.RateLimit.BurstSize = 20
		c.Ledger.AutoProvision = false
		c.Ledger.ReconcileSchedule = "0 3 * * *"
		c.Server.ShutdownTimeout = 45 * time.Second
	},
}
