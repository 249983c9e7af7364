package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"greenmove/adapters/sqlx"
	"greenmove/geo"
)

var (
	storageAdapters = []string{"memory", "redis", "sql", "file"}
	logLevels       = []string{"debug", "info", "warn", "error"}
	logFormats      = []string{"json", "text"}
	logOutputs      = []string{"stdout", "stderr"}
	rateFileExts    = []string{".yaml", ".yml", ".json"}
)

// problems accumulates validation failures for one config section.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

// section records a nested section's failure under its name.
func (p *problems) section(name string, err error) {
	if err != nil {
		*p = append(*p, fmt.Errorf("%s: %w", name, err))
	}
}

func (p *problems) oneOf(field, value string, allowed []string) {
	if !slices.Contains(allowed, value) {
		p.addf("%s must be one of: %s", field, strings.Join(allowed, ", "))
	}
}

func (p problems) err() error { return errors.Join(p...) }

// Validate checks every section and reports all failures at once.
func (c *Config) Validate() error {
	var p problems
	if c.Environment == "" {
		p.addf("environment cannot be empty")
	}
	p.section("server config", c.Server.Validate())
	p.section("storage config", c.Storage.Validate())
	p.section("logging config", c.Logging.Validate())
	p.section("metrics config", c.Metrics.Validate())
	p.section("security config", c.Security.Validate())
	p.section("ledger config", c.Ledger.Validate())
	return p.err()
}

func (s *ServerConfig) Validate() error {
	var p problems
	if s.Address == "" {
		p.addf("address cannot be empty")
	}
	if s.PathPrefix != "" && !strings.HasPrefix(s.PathPrefix, "/") {
		p.addf("path_prefix must start with /")
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"read_timeout", s.ReadTimeout},
		{"write_timeout", s.WriteTimeout},
		{"idle_timeout", s.IdleTimeout},
		{"read_header_timeout", s.ReadHeaderTimeout},
		{"shutdown_timeout", s.ShutdownTimeout},
	} {
		if t.d <= 0 {
			p.addf("%s must be positive", t.name)
		}
	}
	return p.err()
}

func (s *StorageConfig) Validate() error {
	var p problems
	p.oneOf("adapter", s.Adapter, storageAdapters)
	switch s.Adapter {
	case "file":
		p.section("file config", s.File.Validate())
	case "redis":
		if s.Redis.Addr == "" {
			p.addf("redis config: addr cannot be empty")
		}
		if s.Redis.DB < 0 {
			p.addf("redis config: db cannot be negative")
		}
	case "sql":
		if s.SQL.Driver != sqlx.DriverPostgres && s.SQL.Driver != sqlx.DriverMySQL {
			p.addf("sql config: driver must be one of: %s, %s", sqlx.DriverPostgres, sqlx.DriverMySQL)
		}
		if s.SQL.DSN == "" {
			p.addf("sql config: dsn cannot be empty")
		}
	}
	return p.err()
}

func (f *FileConfig) Validate() error {
	if f.Path == "" {
		return errors.New("path cannot be empty")
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	var p problems
	p.oneOf("level", l.Level, logLevels)
	p.oneOf("format", l.Format, logFormats)
	p.oneOf("output", l.Output, logOutputs)
	return p.err()
}

func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	var p problems
	if m.Address == "" {
		p.addf("address cannot be empty when metrics are enabled")
	}
	if !strings.HasPrefix(m.Path, "/") {
		p.addf("path must start with / when metrics are enabled")
	}
	return p.err()
}

func (s SecurityConfig) Validate() error {
	var p problems
	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			p.addf("rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.BurstSize <= 0 {
			p.addf("rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			p.addf("api_keys[%d] is empty", i)
		}
	}
	return p.err()
}

// Validate checks ledger settings. The cron schedule is parsed with the same
// parser the reconcile job uses.
func (l *LedgerConfig) Validate() error {
	var p problems
	if strings.TrimSpace(l.DefaultUserID) == "" {
		p.addf("default_user_id cannot be empty")
	}
	if l.LeaderboardSize <= 0 {
		p.addf("leaderboard_size must be positive")
	}
	if l.MapResolution < geo.MinResolution || l.MapResolution > geo.MaxResolution {
		p.addf("map_resolution must be within [%d, %d]", geo.MinResolution, geo.MaxResolution)
	}
	if l.RatesFile != "" && !slices.Contains(rateFileExts, strings.ToLower(filepath.Ext(l.RatesFile))) {
		p.addf("rates_file must be a .yaml, .yml or .json file")
	}
	if l.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(l.ReconcileSchedule); err != nil {
			p.addf("reconcile_schedule: %v", err)
		}
	}
	for i, endpoint := range l.Webhooks.Endpoints {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			p.addf("webhooks.endpoints[%d] must be an http(s) URL", i)
		}
	}
	if len(l.Webhooks.Endpoints) > 0 && l.Webhooks.Timeout <= 0 {
		p.addf("webhooks.timeout must be positive")
	}
	return p.err()
}
