package domain

import "time"

// Config holds the complete Merlin configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure defaults
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline tuning
	Detector   DetectorConfig   `json:"detector"`
	Attributor AttributorConfig `json:"attributor"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// DetectorConfig holds the detection thresholds. Zero values fall back to
// the documented defaults at use sites so a partially populated config is
// always usable.
type DetectorConfig struct {
	// YoYThreshold is the absolute year-over-year percentage change at or
	// above which a month is flagged. Default 30.
	YoYThreshold float64 `json:"yoyThreshold"`

	// RollingThreshold is the absolute deviation (percent) from the
	// trailing 3-month average at or above which a month is flagged.
	// Default 25.
	RollingThreshold float64 `json:"rollingThreshold"`

	// ZScoreThreshold is the absolute z-score against the trailing 6-month
	// window at or above which a month is flagged. Default 2.0.
	ZScoreThreshold float64 `json:"zscoreThreshold"`

	// ZScoreScale converts a z-score onto the percentage-like scale used
	// by the severity score. Empirically calibrated, not derived; kept
	// configurable for that reason. Default 15.
	ZScoreScale float64 `json:"zscoreScale"`
}

// AttributorConfig holds the greedy coverage selection parameters.
type AttributorConfig struct {
	// CoverageThreshold is the cumulative share of total magnitude the
	// selected contributors must explain. Default 0.8.
	CoverageThreshold float64 `json:"coverageThreshold"`

	// MaxContributors caps the selection. Default 10.
	MaxContributors int `json:"maxContributors"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultDetectorConfig returns the documented detection defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		YoYThreshold:     30.0,
		RollingThreshold: 25.0,
		ZScoreThreshold:  2.0,
		ZScoreScale:      15.0,
	}
}

// DefaultAttributorConfig returns the documented attribution defaults.
func DefaultAttributorConfig() AttributorConfig {
	return AttributorConfig{
		CoverageThreshold: 0.8,
		MaxContributors:   10,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./merlin.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detector:   DefaultDetectorConfig(),
		Attributor: DefaultAttributorConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "merlin",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "merlin",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
