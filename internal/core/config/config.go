package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	corefunnel "github.com/meridian-lab/project-meridian/internal/core/funnel"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level application config plus resolved funnel
// definitions.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Sessionizer SessionizerConfig `koanf:"sessionizer"`
	Analytics   AnalyticsConfig   `koanf:"analytics"`
	Quality     QualityConfig     `koanf:"quality"`
	AdSpend     AdSpendConfig     `koanf:"adspend"`
	Funnels     FunnelsConfig     `koanf:"funnels"`

	// FunnelDefs is populated by Load after parsing funnel files.
	FunnelDefs []corefunnel.Definition `koanf:"-"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	// Type selects the raw event log backend: "postgres" keeps everything
	// in one database; "clickhouse" stores the event log in the columnar
	// store (derived state stays in postgres either way).
	Type            string `koanf:"type"`
	DSN             string `koanf:"dsn"`
	ClickHouseDSN   string `koanf:"clickhouse_dsn"`
	MaxOpenConns    int    `koanf:"max_open_conns"`
	MaxIdleConns    int    `koanf:"max_idle_conns"`
	AutoMigrate     bool   `koanf:"auto_migrate"`
}

type SessionizerConfig struct {
	Enabled        bool   `koanf:"enabled"`
	SweepInterval  string `koanf:"sweep_interval"`
	BatchSize      int    `koanf:"batch_size"`
	WorkerCount    int    `koanf:"worker_count"`
	SessionTimeout string `koanf:"session_timeout"` // gap that closes a session
}

type AnalyticsConfig struct {
	Enabled            bool   `koanf:"enabled"`
	CronInterval       string `koanf:"cron_interval"`
	LookbackDays       int    `koanf:"lookback_days"`
	FunnelWindowHours  int    `koanf:"funnel_window_hours"`
	CohortDays         int    `koanf:"cohort_days"`
	TimeBudget         string `koanf:"time_budget"` // per-run cancellation budget
	StalenessThreshold string `koanf:"staleness_threshold"`
}

type QualityConfig struct {
	RetentionDays  int    `koanf:"retention_days"`
	ExpiryInterval string `koanf:"expiry_interval"`
}

type AdSpendConfig struct {
	Enabled      bool   `koanf:"enabled"`
	FeedDir      string `koanf:"feed_dir"`
	SyncInterval string `koanf:"sync_interval"`
}

type FunnelsConfig struct {
	ConfigDir      string `koanf:"config_dir"`
	RequireFunnels bool   `koanf:"require_funnels"`
}

func (c SessionizerConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.SessionTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}
	switch c.Database.Type {
	case "", "postgres":
	case "clickhouse":
		if strings.TrimSpace(c.Database.ClickHouseDSN) == "" {
			return fmt.Errorf("database.clickhouse_dsn is required when database.type is clickhouse")
		}
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if _, err := time.ParseDuration(c.Sessionizer.SweepInterval); err != nil {
		return fmt.Errorf("invalid sessionizer.sweep_interval %q: %w", c.Sessionizer.SweepInterval, err)
	}
	if _, err := time.ParseDuration(c.Sessionizer.SessionTimeout); err != nil {
		return fmt.Errorf("invalid sessionizer.session_timeout %q: %w", c.Sessionizer.SessionTimeout, err)
	}
	if c.Sessionizer.BatchSize <= 0 {
		return fmt.Errorf("sessionizer.batch_size must be > 0")
	}
	if c.Sessionizer.WorkerCount <= 0 {
		return fmt.Errorf("sessionizer.worker_count must be > 0")
	}

	if _, err := time.ParseDuration(c.Analytics.CronInterval); err != nil {
		return fmt.Errorf("invalid analytics.cron_interval %q: %w", c.Analytics.CronInterval, err)
	}
	if _, err := time.ParseDuration(c.Analytics.TimeBudget); err != nil {
		return fmt.Errorf("invalid analytics.time_budget %q: %w", c.Analytics.TimeBudget, err)
	}
	if _, err := time.ParseDuration(c.Analytics.StalenessThreshold); err != nil {
		return fmt.Errorf("invalid analytics.staleness_threshold %q: %w", c.Analytics.StalenessThreshold, err)
	}
	if c.Analytics.LookbackDays <= 0 {
		return fmt.Errorf("analytics.lookback_days must be > 0")
	}
	if c.Analytics.FunnelWindowHours <= 0 {
		return fmt.Errorf("analytics.funnel_window_hours must be > 0")
	}
	if c.Analytics.CohortDays <= 0 {
		return fmt.Errorf("analytics.cohort_days must be > 0")
	}

	if c.Quality.RetentionDays <= 0 {
		return fmt.Errorf("quality.retention_days must be > 0")
	}
	if _, err := time.ParseDuration(c.Quality.ExpiryInterval); err != nil {
		return fmt.Errorf("invalid quality.expiry_interval %q: %w", c.Quality.ExpiryInterval, err)
	}

	if c.AdSpend.Enabled {
		if strings.TrimSpace(c.AdSpend.FeedDir) == "" {
			return fmt.Errorf("adspend.feed_dir is required when adspend is enabled")
		}
		if _, err := time.ParseDuration(c.AdSpend.SyncInterval); err != nil {
			return fmt.Errorf("invalid adspend.sync_interval %q: %w", c.AdSpend.SyncInterval, err)
		}
	}

	if strings.TrimSpace(c.Funnels.ConfigDir) == "" {
		return fmt.Errorf("funnels.config_dir is required")
	}

	return nil
}

// Load parses config from file + env, validates it, then loads and validates
// funnel definitions.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                    8080,
		"server.host":                    "0.0.0.0",
		"server.max_body_size_mb":        2,
		"server.mode":                    "release",
		"database.type":                  "postgres",
		"database.dsn":                   "postgres://localhost:5432/meridian?sslmode=disable",
		"database.clickhouse_dsn":        "",
		"database.max_open_conns":        25,
		"database.max_idle_conns":        25,
		"database.auto_migrate":          true,
		"sessionizer.enabled":            true,
		"sessionizer.sweep_interval":     "1m",
		"sessionizer.batch_size":         50000,
		"sessionizer.worker_count":       10,
		"sessionizer.session_timeout":    "30m",
		"analytics.enabled":              true,
		"analytics.cron_interval":        "10m",
		"analytics.lookback_days":        30,
		"analytics.funnel_window_hours":  168,
		"analytics.cohort_days":          30,
		"analytics.time_budget":          "5m",
		"analytics.staleness_threshold":  "1h",
		"quality.retention_days":         90,
		"quality.expiry_interval":        "6h",
		"adspend.enabled":                false,
		"adspend.feed_dir":               "./feeds/adspend",
		"adspend.sync_interval":          "6h",
		"funnels.config_dir":             "./config/funnels",
		"funnels.require_funnels":        false,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("MERIDIAN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MERIDIAN_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.Funnels.ConfigDir); err == nil {
		defs, err := corefunnel.LoadDefinitions(cfg.Funnels.ConfigDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load funnel definitions: %w", err)
		}
		cfg.FunnelDefs = defs
	}
	if cfg.Funnels.RequireFunnels && len(cfg.FunnelDefs) == 0 {
		return nil, fmt.Errorf("no funnel definitions found in %q", cfg.Funnels.ConfigDir)
	}

	return &cfg, nil
}
