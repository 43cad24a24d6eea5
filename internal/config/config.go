// Package config provides centralized configuration management for all kline
// downloader components. Configuration is assembled from defaults, an optional
// JSON file, a .env file, and environment variables, then validated as a whole
// before any component starts.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/joho/godotenv"

	"github.com/klinesync/klinesync/internal/models"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" env:"KLINESYNC_APP_NAME"`
	Version    string `json:"version" env:"KLINESYNC_VERSION"`
	ConfigPath string `json:"-" env:"KLINESYNC_CONFIG_PATH"`

	// Database configuration
	Database DatabaseConfig `json:"database"`

	// Exchange configuration
	Exchange ExchangeConfig `json:"exchange"`

	// Downloader configuration
	Downloader DownloaderConfig `json:"downloader"`

	// Periodic updater configuration
	Updater UpdaterConfig `json:"updater"`

	// HTTP server configuration
	HTTP HTTPConfig `json:"http"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// DatabaseConfig configures the storage backend
type DatabaseConfig struct {
	Driver       string `json:"driver" env:"KLINESYNC_DB_DRIVER"`          // "sqlite3", "duckdb", "postgres"
	DSN          string `json:"dsn" env:"KLINESYNC_DB_DSN"`                // Driver-specific connection string
	BatchSize    int    `json:"batch_size" env:"KLINESYNC_DB_BATCH_SIZE"`  // Rows per upsert statement
	MaxConns     int    `json:"max_conns" env:"KLINESYNC_DB_MAX_CONNS"`    // Maximum database connections
	QueryTimeout string `json:"query_timeout" env:"KLINESYNC_DB_QUERY_TIMEOUT"` // Query execution timeout
}

// ExchangeConfig configures the exchange client
type ExchangeConfig struct {
	APIKey            string `json:"api_key" env:"BINANCE_API_KEY"`       // Optional; kline endpoints are public
	APISecret         string `json:"api_secret" env:"BINANCE_API_SECRET"` // Optional; kline endpoints are public
	Timeout           string `json:"timeout" env:"KLINESYNC_HTTP_TIMEOUT"` // HTTP request timeout
	RequestsPerSecond int    `json:"requests_per_second" env:"KLINESYNC_REQUESTS_PER_SECOND"` // Hard ceiling on exchange calls
}

// DownloaderConfig configures historical download pacing and retries
type DownloaderConfig struct {
	RequestDelay      string `json:"request_delay" env:"KLINESYNC_REQUEST_DELAY"`     // Pause between consecutive exchange calls
	BatchSize         int    `json:"batch_size" env:"KLINESYNC_BATCH_SIZE"`           // Symbols per pacing batch
	BatchDelay        string `json:"batch_delay" env:"KLINESYNC_BATCH_DELAY"`         // Pause after each pacing batch
	MaxRetries        int    `json:"max_retries" env:"KLINESYNC_MAX_RETRIES"`         // Retries per segment after the first attempt
	RetryInitialDelay string `json:"retry_initial_delay" env:"KLINESYNC_RETRY_INITIAL_DELAY"` // First backoff delay
	RetryMaxDelay     string `json:"retry_max_delay" env:"KLINESYNC_RETRY_MAX_DELAY"` // Backoff delay ceiling
	PageLimit         int    `json:"page_limit" env:"KLINESYNC_PAGE_LIMIT"`           // Rows requested per exchange call
	DaysBack          int    `json:"days_back" env:"KLINESYNC_DAYS_BACK"`             // Default history depth for empty series
	UpdateExisting    bool   `json:"update_existing" env:"KLINESYNC_UPDATE_EXISTING"` // Overwrite rows already stored
}

// UpdaterConfig configures the periodic auto-updater
type UpdaterConfig struct {
	Enabled          bool     `json:"enabled" env:"KLINESYNC_UPDATER_ENABLED"`     // Enable periodic updates
	Intervals        []string `json:"intervals" env:"KLINESYNC_UPDATER_INTERVALS"` // Intervals refreshed on their cadence
	RequestDelay     string   `json:"request_delay" env:"KLINESYNC_UPDATER_REQUEST_DELAY"` // Pause between exchange calls
	BatchSize        int      `json:"batch_size" env:"KLINESYNC_UPDATER_BATCH_SIZE"` // Symbols per pacing batch
	BatchDelay       string   `json:"batch_delay" env:"KLINESYNC_UPDATER_BATCH_DELAY"` // Pause after each pacing batch
	BanCooldown      string   `json:"ban_cooldown" env:"KLINESYNC_UPDATER_BAN_COOLDOWN"` // Pause after a rate-limit ban
	FailureCooldown  string   `json:"failure_cooldown" env:"KLINESYNC_UPDATER_FAILURE_COOLDOWN"` // Pause after widespread failures
	FailureThreshold int      `json:"failure_threshold" env:"KLINESYNC_UPDATER_FAILURE_THRESHOLD"` // Failures per cycle that trigger the cooldown
}

// HTTPConfig configures the HTTP API server
type HTTPConfig struct {
	Addr            string `json:"addr" env:"KLINESYNC_HTTP_ADDR"`            // Listen address
	ReadTimeout     string `json:"read_timeout" env:"KLINESYNC_HTTP_READ_TIMEOUT"`   // Request read timeout
	WriteTimeout    string `json:"write_timeout" env:"KLINESYNC_HTTP_WRITE_TIMEOUT"` // Response write timeout
	ShutdownTimeout string `json:"shutdown_timeout" env:"KLINESYNC_HTTP_SHUTDOWN_TIMEOUT"` // Graceful shutdown deadline
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level      string `json:"level" env:"KLINESYNC_LOG_LEVEL"`           // Log level: debug, info, warn, error
	Format     string `json:"format" env:"KLINESYNC_LOG_FORMAT"`         // Log format: json, text
	Output     string `json:"output" env:"KLINESYNC_LOG_OUTPUT"`         // Output: stdout, stderr, file
	FilePath   string `json:"file_path" env:"KLINESYNC_LOG_FILE_PATH"`   // Log file path
	MaxSize    int    `json:"max_size" env:"KLINESYNC_LOG_MAX_SIZE"`     // Maximum log file size in MB
	MaxBackups int    `json:"max_backups" env:"KLINESYNC_LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge     int    `json:"max_age" env:"KLINESYNC_LOG_MAX_AGE"`       // Maximum log file age in days
	Compress   bool   `json:"compress" env:"KLINESYNC_LOG_COMPRESS"`     // Compress rotated log files
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env file included)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	// Load from configuration file if it exists
	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Merge a .env file into the process environment, then overlay env vars
	if err := godotenv.Load(); err == nil {
		cm.logger.Debug("loaded environment overrides from .env")
	}
	cm.loadFromEnv(config)

	// Validate the final configuration
	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"db_driver", config.Database.Driver,
		"http_addr", config.HTTP.Addr,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv overlays environment variables onto the configuration
func (cm *ConfigManager) loadFromEnv(config *AppConfig) {
	// Application metadata
	if val := os.Getenv("KLINESYNC_APP_NAME"); val != "" {
		config.AppName = val
	}

	// Database config
	if val := os.Getenv("KLINESYNC_DB_DRIVER"); val != "" {
		config.Database.Driver = val
	}
	if val := os.Getenv("KLINESYNC_DB_DSN"); val != "" {
		config.Database.DSN = val
	}
	if val := os.Getenv("KLINESYNC_DB_BATCH_SIZE"); val != "" {
		if batchSize, err := strconv.Atoi(val); err == nil {
			config.Database.BatchSize = batchSize
		}
	}
	if val := os.Getenv("KLINESYNC_DB_MAX_CONNS"); val != "" {
		if maxConns, err := strconv.Atoi(val); err == nil {
			config.Database.MaxConns = maxConns
		}
	}

	// Exchange config
	if val := os.Getenv("BINANCE_API_KEY"); val != "" {
		config.Exchange.APIKey = val
	}
	if val := os.Getenv("BINANCE_API_SECRET"); val != "" {
		config.Exchange.APISecret = val
	}
	if val := os.Getenv("KLINESYNC_HTTP_TIMEOUT"); val != "" {
		config.Exchange.Timeout = val
	}
	if val := os.Getenv("KLINESYNC_REQUESTS_PER_SECOND"); val != "" {
		if rps, err := strconv.Atoi(val); err == nil {
			config.Exchange.RequestsPerSecond = rps
		}
	}

	// Downloader config
	if val := os.Getenv("KLINESYNC_REQUEST_DELAY"); val != "" {
		config.Downloader.RequestDelay = val
	}
	if val := os.Getenv("KLINESYNC_BATCH_SIZE"); val != "" {
		if batchSize, err := strconv.Atoi(val); err == nil {
			config.Downloader.BatchSize = batchSize
		}
	}
	if val := os.Getenv("KLINESYNC_BATCH_DELAY"); val != "" {
		config.Downloader.BatchDelay = val
	}
	if val := os.Getenv("KLINESYNC_MAX_RETRIES"); val != "" {
		if maxRetries, err := strconv.Atoi(val); err == nil {
			config.Downloader.MaxRetries = maxRetries
		}
	}
	if val := os.Getenv("KLINESYNC_PAGE_LIMIT"); val != "" {
		if pageLimit, err := strconv.Atoi(val); err == nil {
			config.Downloader.PageLimit = pageLimit
		}
	}
	if val := os.Getenv("KLINESYNC_DAYS_BACK"); val != "" {
		if daysBack, err := strconv.Atoi(val); err == nil {
			config.Downloader.DaysBack = daysBack
		}
	}
	if val := os.Getenv("KLINESYNC_UPDATE_EXISTING"); val != "" {
		config.Downloader.UpdateExisting = val == "true"
	}

	// Updater config
	if val := os.Getenv("KLINESYNC_UPDATER_ENABLED"); val != "" {
		config.Updater.Enabled = val == "true"
	}
	if val := os.Getenv("KLINESYNC_UPDATER_INTERVALS"); val != "" {
		config.Updater.Intervals = strings.Split(val, ",")
	}

	// HTTP config
	if val := os.Getenv("KLINESYNC_HTTP_ADDR"); val != "" {
		config.HTTP.Addr = val
	}

	// Logging config
	if val := os.Getenv("KLINESYNC_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("KLINESYNC_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("KLINESYNC_LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("KLINESYNC_LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	cm.logger.Debug("loaded configuration from environment variables")
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	// Validate database configuration
	validDrivers := map[string]bool{"sqlite3": true, "duckdb": true, "postgres": true}
	if !validDrivers[config.Database.Driver] {
		errors = append(errors, "database.driver must be one of: sqlite3, duckdb, postgres")
	}
	if config.Database.DSN == "" {
		errors = append(errors, "database.dsn is required")
	}
	if config.Database.BatchSize <= 0 {
		errors = append(errors, "database.batch_size must be greater than 0")
	}

	// Validate exchange configuration
	if _, err := time.ParseDuration(config.Exchange.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}
	if config.Exchange.RequestsPerSecond <= 0 {
		errors = append(errors, "exchange.requests_per_second must be greater than 0")
	}

	// Validate downloader configuration
	for _, field := range []struct{ name, value string }{
		{"downloader.request_delay", config.Downloader.RequestDelay},
		{"downloader.batch_delay", config.Downloader.BatchDelay},
		{"downloader.retry_initial_delay", config.Downloader.RetryInitialDelay},
		{"downloader.retry_max_delay", config.Downloader.RetryMaxDelay},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			errors = append(errors, fmt.Sprintf("%s is not a valid duration: %v", field.name, err))
		}
	}
	if config.Downloader.BatchSize <= 0 {
		errors = append(errors, "downloader.batch_size must be greater than 0")
	}
	if config.Downloader.MaxRetries < 0 {
		errors = append(errors, "downloader.max_retries must not be negative")
	}
	if config.Downloader.PageLimit <= 0 || config.Downloader.PageLimit > 1500 {
		errors = append(errors, "downloader.page_limit must be between 1 and 1500")
	}
	if config.Downloader.DaysBack <= 0 {
		errors = append(errors, "downloader.days_back must be greater than 0")
	}

	// Validate updater configuration
	if config.Updater.Enabled {
		if len(config.Updater.Intervals) == 0 {
			errors = append(errors, "updater.intervals is required when the updater is enabled")
		}
		for _, raw := range config.Updater.Intervals {
			if _, err := models.ParseInterval(raw); err != nil {
				errors = append(errors, fmt.Sprintf("updater.intervals contains unsupported interval %q", raw))
			}
		}
		if config.Updater.FailureThreshold <= 0 {
			errors = append(errors, "updater.failure_threshold must be greater than 0")
		}
	}

	// Validate HTTP configuration
	if config.HTTP.Addr == "" {
		errors = append(errors, "http.addr is required")
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	validLogOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validLogOutputs[config.Logging.Output] {
		errors = append(errors, "logging.output must be one of: stdout, stderr, file")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when logging.output is file")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "klinesync",
		Version: "1.0.0",
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			DSN:          "./data/klines.db",
			BatchSize:    50,
			MaxConns:     1,
			QueryTimeout: "30s",
		},
		Exchange: ExchangeConfig{
			Timeout:           "30s",
			RequestsPerSecond: 4,
		},
		Downloader: DownloaderConfig{
			RequestDelay:      "300ms",
			BatchSize:         30,
			BatchDelay:        "3s",
			MaxRetries:        3,
			RetryInitialDelay: "1s",
			RetryMaxDelay:     "60s",
			PageLimit:         1500,
			DaysBack:          365,
			UpdateExisting:    false,
		},
		Updater: UpdaterConfig{
			Enabled:          false,
			Intervals:        []string{"1d", "4h", "1h", "15m", "5m"},
			RequestDelay:     "1s",
			BatchSize:        30,
			BatchDelay:       "20s",
			BanCooldown:      "10m",
			FailureCooldown:  "20m",
			FailureThreshold: 10,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     "15s",
			WriteTimeout:    "60s",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
		},
	}
}

// parseDuration parses s, falling back when it is empty or malformed.
// Validation rejects malformed values up front; the fallback keeps callers
// safe when a section was built by hand in tests.
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// QueryTimeoutDuration returns the parsed query timeout
func (c DatabaseConfig) QueryTimeoutDuration() time.Duration {
	return parseDuration(c.QueryTimeout, 30*time.Second)
}

// TimeoutDuration returns the parsed HTTP request timeout
func (c ExchangeConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// RequestDelayDuration returns the parsed pause between exchange calls
func (c DownloaderConfig) RequestDelayDuration() time.Duration {
	return parseDuration(c.RequestDelay, 300*time.Millisecond)
}

// BatchDelayDuration returns the parsed pause between symbol batches
func (c DownloaderConfig) BatchDelayDuration() time.Duration {
	return parseDuration(c.BatchDelay, 3*time.Second)
}

// RetryInitialDelayDuration returns the parsed first backoff delay
func (c DownloaderConfig) RetryInitialDelayDuration() time.Duration {
	return parseDuration(c.RetryInitialDelay, time.Second)
}

// RetryMaxDelayDuration returns the parsed backoff delay ceiling
func (c DownloaderConfig) RetryMaxDelayDuration() time.Duration {
	return parseDuration(c.RetryMaxDelay, time.Minute)
}

// RequestDelayDuration returns the parsed pause between exchange calls
func (c UpdaterConfig) RequestDelayDuration() time.Duration {
	return parseDuration(c.RequestDelay, time.Second)
}

// BatchDelayDuration returns the parsed pause between symbol batches
func (c UpdaterConfig) BatchDelayDuration() time.Duration {
	return parseDuration(c.BatchDelay, 20*time.Second)
}

// BanCooldownDuration returns the parsed pause after a rate-limit ban
func (c UpdaterConfig) BanCooldownDuration() time.Duration {
	return parseDuration(c.BanCooldown, 10*time.Minute)
}

// FailureCooldownDuration returns the parsed pause after widespread failures
func (c UpdaterConfig) FailureCooldownDuration() time.Duration {
	return parseDuration(c.FailureCooldown, 20*time.Minute)
}

// ReadTimeoutDuration returns the parsed request read timeout
func (c HTTPConfig) ReadTimeoutDuration() time.Duration {
	return parseDuration(c.ReadTimeout, 15*time.Second)
}

// WriteTimeoutDuration returns the parsed response write timeout
func (c HTTPConfig) WriteTimeoutDuration() time.Duration {
	return parseDuration(c.WriteTimeout, time.Minute)
}

// ShutdownTimeoutDuration returns the parsed graceful shutdown deadline
func (c HTTPConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(c.ShutdownTimeout, 10*time.Second)
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	// Create a copy without sensitive data
	sanitized := *c
	if sanitized.Exchange.APIKey != "" {
		sanitized.Exchange.APIKey = "[REDACTED]"
	}
	if sanitized.Exchange.APISecret != "" {
		sanitized.Exchange.APISecret = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
