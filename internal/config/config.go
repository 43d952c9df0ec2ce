// Package config loads and validates the orchestrator's configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for a Workspace and its collaborators.
type Config struct {
	Engine   EngineConfig   `koanf:"engine"`
	Paths    PathsConfig    `koanf:"paths"`
	Pool     PoolConfig     `koanf:"pool"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Retry    RetryConfig    `koanf:"retry"`
	Database DatabaseConfig `koanf:"database"`
	Select   string         `koanf:"select"`
}

// EngineConfig describes the third-party crop simulator installation and invocation.
type EngineConfig struct {
	Model          string   `koanf:"model"`           // absolute path to the engine binary
	OutputTypes    []string `koanf:"output_types"`    // e.g. ACY, DGN
	StartDate      string   `koanf:"start_date"`      // YYYY-MM-DD
	Duration       int      `koanf:"duration"`        // simulation years
	NumWorkers     int      `koanf:"num_of_workers"`  // pool capacity
	Timeout        time.Duration `koanf:"timeout"`    // per-task timeout
	DeleteAfterUse bool     `koanf:"delete_after_use"`
}

// Dir returns the directory containing the engine binary.
func (e EngineConfig) Dir() string {
	idx := strings.LastIndexAny(e.Model, `/\`)
	if idx < 0 {
		return "."
	}
	return e.Model[:idx]
}

// PathsConfig locates roster and I/O directories.
type PathsConfig struct {
	RunInfo   string `koanf:"run_info"`
	OpcDir    string `koanf:"opc_dir"`
	WeatherDir string `koanf:"weather.dir"`
	SoilDir   string `koanf:"soil.files_dir"`
	SiteDir   string `koanf:"site.dir"`
	OutputDir string `koanf:"output_dir"`
	LogDir    string `koanf:"log_dir"`
	CacheRoot string `koanf:"cache_root"`
}

// PoolConfig configures the worker pool's slot coordination.
type PoolConfig struct {
	Backend    string `koanf:"backend"`     // memory, redis
	Key        string `koanf:"key"`         // shared pool identifier across processes
	BaseDir    string `koanf:"base_dir"`    // materialized slot directories, empty = abstract tokens
	RedisAddr  string `koanf:"redis_addr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Namespace string `koanf:"namespace"`
}

// RetryConfig configures write-contention backoff for the Postgres DataLogger.
type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

// DatabaseConfig configures the optional Postgres-backed DataLogger.
type DatabaseConfig struct {
	Enabled         bool   `koanf:"enabled"`
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	Database        string `koanf:"database"`
	Username        string `koanf:"username"`
	Password        string `koanf:"password"`
	SSLMode         string `koanf:"ssl_mode"`
	MaxOpenConns    int    `koanf:"max_open_conns"`
	AutoMigrate     bool   `koanf:"auto_migrate"`
}

// DSN returns a libpq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode)
}

// Validate fails fast on configuration errors per the error taxonomy's category 1.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.Model == "" {
		errs = append(errs, "engine.model is required")
	}
	if len(c.Engine.OutputTypes) == 0 {
		errs = append(errs, "engine.output_types must list at least one output kind")
	}
	if c.Engine.NumWorkers <= 0 {
		errs = append(errs, "engine.num_of_workers must be positive")
	}
	if c.Paths.RunInfo == "" {
		errs = append(errs, "paths.run_info is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}

	if c.Pool.Backend != "" && c.Pool.Backend != "memory" && c.Pool.Backend != "redis" {
		errs = append(errs, fmt.Sprintf("pool.backend must be memory or redis, got %q", c.Pool.Backend))
	}
	if c.Pool.Backend == "redis" && c.Pool.RedisAddr == "" {
		errs = append(errs, "pool.redis_addr is required when pool.backend is redis")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
