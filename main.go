// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/soothill/vue-energy-logger/app"
	"github.com/soothill/vue-energy-logger/config"
	"github.com/soothill/vue-energy-logger/pkg/logger"
	"github.com/soothill/vue-energy-logger/storage"
)

func main() {
	configPath := flag.String("config", "vuelogger.yaml", "Path to configuration file")
	logPath := flag.String("log", "", "Log file path (logs to console only when empty)")
	lagSecs := flag.Int("lag", 0, "Override poll lag in seconds")
	intervalSecs := flag.Int("interval", 0, "Override poll interval in seconds")
	metricsPort := flag.String("metrics-port", "9090", "Port for Prometheus metrics endpoint")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	// Optional .env for credentials; absence is not an error.
	_ = godotenv.Load()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// CLI overrides for the tuning knobs operators most often adjust.
	if *lagSecs > 0 {
		cfg.Poller.LagSecs = *lagSecs
	}
	if *intervalSecs > 0 {
		cfg.Poller.IntervalSecs = *intervalSecs
	}

	initializeLogging(cfg, *logPath)

	logger.Info().Msg("Starting Vue Energy Logger")
	logger.Info().Int("interval_secs", cfg.Poller.IntervalSecs).
		Int("lag_secs", cfg.Poller.LagSecs).
		Int("accounts", len(cfg.Accounts)).
		Msg("Configuration loaded")

	configChan := make(chan *config.Config)
	configWatcher := config.NewWatcher(*configPath, configChan)

	application, err := app.New(cfg, *metricsPort, configWatcher)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(configChan); err != nil {
		logger.Fatal().Err(err).Msg("Application failed")
	}
}

// initializeLogging configures the logger from config plus the -log flag.
// The flag wins over the configured log path.
func initializeLogging(cfg *config.Config, logPath string) {
	path := cfg.Logging.Path
	if logPath != "" {
		path = logPath
	}

	if path == "" {
		logger.Initialize(cfg.Logging.Level)
		return
	}

	if err := logger.InitializeWithFile(cfg.Logging.Level, path); err != nil {
		logger.Initialize(cfg.Logging.Level)
		logger.Error().Err(err).Str("path", path).Msg("Failed to open log file, logging to console only")
	}
}

// performHealthCheck performs a health check and returns exit code
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	sink, err := storage.NewInfluxDBSink(
		cfg.InfluxDB.URL,
		cfg.InfluxDB.Token,
		cfg.InfluxDB.Organization,
		cfg.InfluxDB.Bucket,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not create InfluxDB client: %v\n", err)
		return 1
	}
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sink.Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: InfluxDB is unhealthy: %v\n", err)
		return 1
	}

	fmt.Println("Health check passed: InfluxDB is healthy")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
	fmt.Printf("  InfluxDB Organization: %s\n", cfg.InfluxDB.Organization)
	fmt.Printf("  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	fmt.Printf("  Emporia API URL: %s\n", cfg.Emporia.APIURL)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("  Poll Interval: %ds\n", cfg.Poller.IntervalSecs)
	fmt.Printf("  Failure Interval: %ds\n", cfg.Poller.FailureIntervalSecs)
	fmt.Printf("  Poll Lag: %ds\n", cfg.Poller.LagSecs)
	fmt.Printf("  Missing Threshold: %d\n", cfg.Poller.MissingThreshold)
	fmt.Printf("  Spread Threshold: %d\n", cfg.Poller.SpreadThreshold)
	fmt.Printf("  Max Retries: %d\n", cfg.Poller.MaxRetries)
	fmt.Printf("  Accounts: %d\n", len(cfg.Accounts))

	for _, account := range cfg.Accounts {
		fmt.Printf("    - %s (%d device overrides)\n", account.Name, len(account.Devices))
	}

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
