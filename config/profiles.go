package config

import (
	"fmt"
	"time"

	"rewardkit/adapters/sqlx"
)

// Profiles lists the built-in configuration profiles.
var Profiles = []string{"development", "testing", "staging", "production"}

// LoadProfile returns the named built-in profile with environment overrides applied.
func LoadProfile(name string) (*Config, error) {
	var cfg *Config
	switch name {
	case "development":
		cfg = DevelopmentConfig()
	case "testing":
		cfg = TestingConfig()
	case "staging":
		cfg = StagingConfig()
	case "production":
		cfg = ProductionConfig()
	default:
		return nil, fmt.Errorf("unknown profile %q (want one of %v)", name, Profiles)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DevelopmentConfig uses in-memory storage and verbose text logs.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = "development"
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	return cfg
}

// TestingConfig keeps everything in memory with a fixed UTC calendar.
func TestingConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvTesting
	cfg.Profile = "testing"
	cfg.Logging.Level = "warn"
	cfg.Game.Timezone = "UTC"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

// StagingConfig persists to a local SQLite file and exposes metrics.
func StagingConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvStaging
	cfg.Profile = "staging"
	cfg.Storage.Adapter = "sql"
	cfg.Storage.SQL = sqlx.DefaultConfig(sqlx.DriverSQLite)
	cfg.Metrics.Enabled = true
	cfg.Security.EnableRateLimit = true
	return cfg
}

// ProductionConfig uses Redis, rate limiting and metrics.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvProduction
	cfg.Profile = "production"
	cfg.Server.CORSOrigin = ""
	cfg.Storage.Adapter = "redis"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Metrics.Enabled = true
	cfg.Security.EnableRateLimit = true
	cfg.Security.RateLimit.RequestsPerMinute = 120
	cfg.Security.RateLimit.BurstSize = 20
	cfg.Game.DispatchWorkers = 8
	cfg.Game.DispatchQueueSize = 8192
	return cfg
}
