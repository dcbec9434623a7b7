// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the poller, storage and observability components
// together and owns the process lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/vue-energy-logger/config"
	"github.com/soothill/vue-energy-logger/emporia"
	"github.com/soothill/vue-energy-logger/pkg/interfaces"
	"github.com/soothill/vue-energy-logger/pkg/logger"
	"github.com/soothill/vue-energy-logger/pkg/slacknotifier"
	"github.com/soothill/vue-energy-logger/poller"
	"github.com/soothill/vue-energy-logger/storage"
)

const (
	signalChannelSize     = 1
	sourceInitTimeout     = 30 * time.Second
	resetTimeout          = 30 * time.Second
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// App represents the main application
type App struct {
	cfg           *config.Config
	metricsPort   string
	server        *http.Server
	sink          interfaces.TimeSeriesSink
	notifier      *slacknotifier.Notifier
	scheduler     *poller.Scheduler
	configWatcher *config.Watcher
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a new application instance: sink connection (verified),
// optional reset, one poll source per configured account, scheduler and
// the metrics/health HTTP server.
func New(cfg *config.Config, metricsPort string, configWatcher *config.Watcher) (*App, error) {
	app := &App{
		cfg:           cfg,
		metricsPort:   metricsPort,
		configWatcher: configWatcher,
	}

	// Slack notifier
	app.notifier = slacknotifier.New(cfg.Notifications.SlackWebhookURL)
	if app.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	// InfluxDB sink
	sink, err := storage.NewInfluxDBSink(
		cfg.InfluxDB.URL,
		cfg.InfluxDB.Token,
		cfg.InfluxDB.Organization,
		cfg.InfluxDB.Bucket,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize InfluxDB: %w", err)
	}
	app.sink = sink

	if cfg.InfluxDB.Reset {
		logger.Warn().Msg("Reset flag set, deleting all stored usage data")
		ctx, cancelReset := context.WithTimeout(context.Background(), resetTimeout)
		defer cancelReset()
		if err := sink.DeleteAllSeries(ctx); err != nil {
			sink.Close()
			return nil, fmt.Errorf("failed to reset usage data: %w", err)
		}
	}

	app.scheduler = buildScheduler(cfg, app.sink, slacknotifier.NewAdapter(app.notifier))
	app.server = buildServer(metricsPort, app.sink)

	return app, nil
}

// buildScheduler creates one poll source per account plus the scheduler.
func buildScheduler(cfg *config.Config, sink interfaces.TimeSeriesSink, alerts poller.AlertSink) *poller.Scheduler {
	tuning := poller.Tuning{
		Lag:              time.Duration(cfg.Poller.LagSecs) * time.Second,
		Interval:         time.Duration(cfg.Poller.IntervalSecs) * time.Second,
		MissingThreshold: cfg.Poller.MissingThreshold,
		SpreadThreshold:  cfg.Poller.SpreadThreshold,
		MaxRetries:       cfg.Poller.MaxRetries,
	}

	sources := make([]*poller.Source, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		client := emporia.NewClient(
			cfg.Emporia.APIURL,
			account.Name,
			emporia.Credentials{Email: account.Email, Password: account.Password},
			time.Duration(cfg.Emporia.RequestTimeoutSecs)*time.Second,
			cfg.Emporia.RequestsPerSecond,
		)

		overrides := make(map[string][]string, len(account.Devices))
		for _, device := range account.Devices {
			if len(device.Channels) > 0 {
				overrides[device.Name] = device.Channels
			}
		}

		sources = append(sources, poller.NewSource(account.Name, client, sink, tuning, overrides, alerts))
	}

	return poller.NewScheduler(sources,
		time.Duration(cfg.Poller.IntervalSecs)*time.Second,
		time.Duration(cfg.Poller.FailureIntervalSecs)*time.Second)
}

// buildServer sets up the metrics and health check HTTP server.
func buildServer(metricsPort string, sink interfaces.TimeSeriesSink) *http.Server {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, sink)
	}))

	return &http.Server{
		Addr:    "localhost:" + metricsPort,
		Handler: mux,
	}
}

// Run starts the application and blocks until shutdown. The returned error
// is non-nil only for unrecoverable startup failures (initial auth or
// window seeding); a clean shutdown returns nil.
func (a *App) Run(configChan <-chan *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	a.configWatcher.Start(ctx)
	defer a.configWatcher.Stop()

	a.startMetricsServer()
	a.setupSignalHandler()
	a.startConfigWatcher(configChan)

	if err := a.initSources(ctx); err != nil {
		a.performGracefulShutdown()
		a.performCleanup()
		return err
	}

	a.scheduler.Run(ctx)
	a.performCleanup()
	return nil
}

// initSources authenticates every account, populates its device index and
// seeds its first window from the sink. Any failure here is fatal: a
// misconfigured account should stop the process, not poll forever.
func (a *App) initSources(ctx context.Context) error {
	for _, source := range a.scheduler.Sources() {
		initCtx, cancelInit := context.WithTimeout(ctx, sourceInitTimeout)
		err := source.Init(initCtx, time.Now())
		cancelInit()
		if err != nil {
			return fmt.Errorf("failed to initialize account %q: %w", source.Name(), err)
		}
	}
	return nil
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.performGracefulShutdown()
	}()
}

// startConfigWatcher starts a goroutine to listen for config file changes and reloads
func (a *App) startConfigWatcher(configChan <-chan *config.Config) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-configChan:
				a.UpdateConfig(newCfg)
			}
		}
	}()
}

// UpdateConfig applies a reloaded configuration. Only live-tunable values
// are picked up: scheduler intervals and the notification webhook. Account
// and sink changes require a restart.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfg = newCfg
	a.scheduler.UpdateIntervals(
		time.Duration(newCfg.Poller.IntervalSecs)*time.Second,
		time.Duration(newCfg.Poller.FailureIntervalSecs)*time.Second)
	a.notifier.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)
	logger.Info().Msg("Application configuration updated")
}

// performGracefulShutdown handles graceful shutdown of all components
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	a.configWatcher.Stop()
	a.cancel()
}

// performCleanup closes the sink and waits for goroutines to finish
func (a *App) performCleanup() {
	a.sink.Close()
	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	runs, failed, points := a.scheduler.Stats().Totals()
	logger.Info().
		Int("total_runs", runs).
		Int("failed_cycles", failed).
		Int("total_points", points).
		Dur("uptime", a.scheduler.Stats().Uptime()).
		Msg("Run statistics")

	for _, source := range a.scheduler.Sources() {
		window := source.Tracker().Window()
		logger.Info().
			Str("account", source.Name()).
			Time("window_start", window.Start).
			Time("window_end", window.End).
			Int("failure_streak", source.Tracker().Streak()).
			Msg("Source state")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler handles readiness check requests
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, sink interfaces.TimeSeriesSink) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	if err := sink.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: InfluxDB unhealthy")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: InfluxDB unhealthy")); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}
