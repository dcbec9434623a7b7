// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the Vue energy logger.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soothill/vue-energy-logger/pkg/util"
)

// Default poller tuning. Sufficient lag ensures the upstream service has
// fully populated every second of the requested window; too small a lag
// causes some or all channels to come back incomplete.
const (
	DefaultIntervalSecs        = 60
	DefaultFailureIntervalSecs = 20
	DefaultLagSecs             = 20
	DefaultMissingThreshold    = 5
	DefaultSpreadThreshold     = 10
	DefaultMaxRetries          = 3
)

// Config represents the application configuration
type Config struct {
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Emporia       EmporiaConfig       `yaml:"emporia"`
	Poller        PollerConfig        `yaml:"poller"`
	Accounts      []AccountConfig     `yaml:"accounts" validate:"required,min=1,dive"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// InfluxDBConfig holds InfluxDB connection settings
type InfluxDBConfig struct {
	URL          string `yaml:"url" validate:"required,url"`
	Token        string `yaml:"token" validate:"required,min=8"`
	Organization string `yaml:"organization" validate:"required"`
	Bucket       string `yaml:"bucket" validate:"required"`
	// Reset deletes all previously stored usage data at startup.
	Reset bool `yaml:"reset"`
}

// EmporiaConfig holds metering-API client settings
type EmporiaConfig struct {
	APIURL             string  `yaml:"api_url" validate:"omitempty,url"`
	RequestTimeoutSecs int     `yaml:"request_timeout_secs" validate:"omitempty,min=1"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" validate:"omitempty,gt=0"`
}

// PollerConfig holds windowed polling tuning. All values are whole seconds
// or discrete point counts, matching the second-aligned windows the poller
// works in.
type PollerConfig struct {
	IntervalSecs        int `yaml:"interval_secs" validate:"omitempty,min=1"`
	FailureIntervalSecs int `yaml:"failure_interval_secs" validate:"omitempty,min=1"`
	LagSecs             int `yaml:"lag_secs" validate:"omitempty,min=1"`
	MissingThreshold    int `yaml:"missing_threshold" validate:"omitempty,min=0"`
	SpreadThreshold     int `yaml:"spread_threshold" validate:"omitempty,min=0"`
	MaxRetries          int `yaml:"max_retries" validate:"omitempty,min=0"`
}

// AccountConfig identifies one metering account to poll
type AccountConfig struct {
	Name     string         `yaml:"name" validate:"required"`
	Email    string         `yaml:"email" validate:"required,email"`
	Password string         `yaml:"password" validate:"required"`
	Devices  []DeviceConfig `yaml:"devices" validate:"omitempty,dive"`
}

// DeviceConfig carries optional per-device channel display-name overrides.
// Channels is positional: entry N names channel number N+1.
type DeviceConfig struct {
	Name     string   `yaml:"name" validate:"required"`
	Channels []string `yaml:"channels"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if apiURL := os.Getenv("EMPORIA_API_URL"); apiURL != "" {
		c.Emporia.APIURL = apiURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Emporia.APIURL == "" {
		c.Emporia.APIURL = "https://api.emporiaenergy.com"
	}
	if c.Emporia.RequestTimeoutSecs == 0 {
		c.Emporia.RequestTimeoutSecs = 15
	}
	if c.Emporia.RequestsPerSecond == 0 {
		c.Emporia.RequestsPerSecond = 2
	}
	if c.Poller.IntervalSecs == 0 {
		c.Poller.IntervalSecs = DefaultIntervalSecs
	}
	if c.Poller.FailureIntervalSecs == 0 {
		c.Poller.FailureIntervalSecs = DefaultFailureIntervalSecs
	}
	if c.Poller.LagSecs == 0 {
		c.Poller.LagSecs = DefaultLagSecs
	}
	if c.Poller.MissingThreshold == 0 {
		c.Poller.MissingThreshold = DefaultMissingThreshold
	}
	if c.Poller.SpreadThreshold == 0 {
		c.Poller.SpreadThreshold = DefaultSpreadThreshold
	}
	if c.Poller.MaxRetries == 0 {
		c.Poller.MaxRetries = DefaultMaxRetries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validate := validator.New()
	if validateErr := validate.Struct(c); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validatePoller(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateAccounts(); validateErr != nil {
		return validateErr
	}

	return c.validateLogging()
}

// validateInfluxDB validates the InfluxDB configuration beyond struct tags
func (c *Config) validateInfluxDB() error {
	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	// Check for HTTPS in production-like URLs (not localhost/127.0.0.1)
	return validateURLSecurity(parsedURL)
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}

	return nil
}

// validatePoller validates the cross-field poller tuning constraints
func (c *Config) validatePoller() error {
	if c.Poller.IntervalSecs < 1 {
		return fmt.Errorf("poller.interval_secs must be at least 1 second")
	}
	if c.Poller.IntervalSecs > 3600 {
		return fmt.Errorf("poller.interval_secs must not exceed 1 hour")
	}
	if c.Poller.FailureIntervalSecs > c.Poller.IntervalSecs {
		return fmt.Errorf("poller.failure_interval_secs should not exceed poller.interval_secs")
	}
	if c.Poller.LagSecs > c.Poller.IntervalSecs {
		return fmt.Errorf("poller.lag_secs should not exceed poller.interval_secs")
	}
	if c.Poller.MissingThreshold >= c.Poller.IntervalSecs {
		return fmt.Errorf("poller.missing_threshold must be smaller than poller.interval_secs")
	}
	return nil
}

// validateAccounts checks account name uniqueness. Account names tag every
// stored point, so a duplicate would interleave two sources in the sink.
func (c *Config) validateAccounts() error {
	seen := make(map[string]bool, len(c.Accounts))
	for _, account := range c.Accounts {
		if seen[account.Name] {
			return fmt.Errorf("accounts must have unique names, %q appears more than once", account.Name)
		}
		seen[account.Name] = true
	}
	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, panic")
	}

	return nil
}
