// Package config provides centralized configuration for the pipeline:
// loading from a JSON file and environment variables, validation, and
// typed sections for the storage backend, the market-data provider, the
// pipeline runner, the scheduler, and logging.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
)

// AppConfig represents the complete application configuration.
type AppConfig struct {
	// Application metadata
	AppName string `json:"app_name" env:"APP_NAME"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Provider configuration
	Provider ProviderConfig `json:"provider"`

	// Pipeline configuration
	Pipeline PipelineConfig `json:"pipeline"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Type         string `json:"type" env:"STORAGE_TYPE"`         // "duckdb", "memory"
	DatabasePath string `json:"database_path" env:"DATABASE_PATH"` // DuckDB file path or ":memory:"
}

// ProviderConfig configures the market-data provider.
type ProviderConfig struct {
	BaseURL      string `json:"base_url" env:"PROVIDER_BASE_URL"`   // Override for the chart API base URL
	LookbackDays int    `json:"lookback_days" env:"LOOKBACK_DAYS"`  // History window requested per asset
}

// PipelineConfig configures the pipeline runner.
type PipelineConfig struct {
	IngestTimeout string `json:"ingest_timeout" env:"INGEST_TIMEOUT"` // Bound on the ingest stage
	DeriveTimeout string `json:"derive_timeout" env:"DERIVE_TIMEOUT"` // Bound on the derive stage
}

// SchedulerConfig configures the recurring-run scheduler.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled" env:"SCHEDULER_ENABLED"`
	CronSpec string `json:"cron_spec" env:"SCHEDULER_CRON"` // Standard 5-field cron expression
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`           // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"`         // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"`         // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`   // Log file path when output is "file"
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"`     // Maximum log file size in MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // Days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "coinflow",
		Storage: StorageConfig{
			Type:         "duckdb",
			DatabasePath: "./data/coinflow.db",
		},
		Provider: ProviderConfig{
			BaseURL:      "",
			LookbackDays: 30,
		},
		Pipeline: PipelineConfig{
			IngestTimeout: "120s",
			DeriveTimeout: "60s",
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			CronSpec: "15 0 * * *",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Load loads configuration with priority order: environment variables
// over the configuration file over defaults. A .env file in the working
// directory is loaded first if present. An empty configPath skips the
// file step.
func Load(configPath string, logger *slog.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Local development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		logger.Debug("loaded environment from .env file")
	}

	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath, logger); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info("configuration loaded",
		"config_path", configPath,
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON file. A missing file is
// not an error; defaults apply.
func loadFromFile(config *AppConfig, path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("config file does not exist, using defaults", "path", path)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// loadFromEnv overrides configuration from environment variables.
func loadFromEnv(config *AppConfig) {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}

	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		config.Storage.Type = val
	}
	if val := os.Getenv("DATABASE_PATH"); val != "" {
		config.Storage.DatabasePath = val
	}

	if val := os.Getenv("PROVIDER_BASE_URL"); val != "" {
		config.Provider.BaseURL = val
	}
	if val := os.Getenv("LOOKBACK_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil {
			config.Provider.LookbackDays = days
		}
	}

	if val := os.Getenv("INGEST_TIMEOUT"); val != "" {
		config.Pipeline.IngestTimeout = val
	}
	if val := os.Getenv("DERIVE_TIMEOUT"); val != "" {
		config.Pipeline.DeriveTimeout = val
	}

	if val := os.Getenv("SCHEDULER_ENABLED"); val != "" {
		config.Scheduler.Enabled = val == "true"
	}
	if val := os.Getenv("SCHEDULER_CRON"); val != "" {
		config.Scheduler.CronSpec = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}
}

// Validate checks the configuration for consistency and required fields.
func (c *AppConfig) Validate() error {
	var errs []string

	validStorageTypes := map[string]bool{"duckdb": true, "memory": true}
	if !validStorageTypes[c.Storage.Type] {
		errs = append(errs, "storage.type must be one of: duckdb, memory")
	}
	if c.Storage.Type == "duckdb" && c.Storage.DatabasePath == "" {
		errs = append(errs, "storage.database_path is required for DuckDB storage")
	}

	if c.Provider.LookbackDays <= 0 {
		errs = append(errs, "provider.lookback_days must be greater than 0")
	}

	if _, err := time.ParseDuration(c.Pipeline.IngestTimeout); err != nil {
		errs = append(errs, fmt.Sprintf("pipeline.ingest_timeout is not a valid duration: %v", err))
	}
	if _, err := time.ParseDuration(c.Pipeline.DeriveTimeout); err != nil {
		errs = append(errs, fmt.Sprintf("pipeline.derive_timeout is not a valid duration: %v", err))
	}

	if c.Scheduler.Enabled && c.Scheduler.CronSpec == "" {
		errs = append(errs, "scheduler.cron_spec is required when scheduler is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// IngestTimeout returns the parsed ingest stage bound.
func (c *AppConfig) IngestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Pipeline.IngestTimeout)
	return d
}

// DeriveTimeout returns the parsed derive stage bound.
func (c *AppConfig) DeriveTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Pipeline.DeriveTimeout)
	return d
}

// Lookback returns the provider history window as a duration.
func (c *AppConfig) Lookback() time.Duration {
	return time.Duration(c.Provider.LookbackDays) * 24 * time.Hour
}
