// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package poller

import (
	"context"
	"sync"
	"time"

	"github.com/soothill/vue-energy-logger/pkg/logger"
)

// Scheduler drives poll cycles for all sources until its context is
// canceled. Sources are processed sequentially and independently: one
// source's hard failure never aborts another source's cycle in the same
// iteration. After each iteration it sleeps the normal interval, or the
// shorter failure interval if any source failed, and the sleep wakes
// immediately on shutdown.
type Scheduler struct {
	sources []*Source
	stats   *RunStats

	mu              sync.Mutex
	interval        time.Duration
	failureInterval time.Duration
}

// NewScheduler creates a scheduler over the given sources.
func NewScheduler(sources []*Source, interval, failureInterval time.Duration) *Scheduler {
	return &Scheduler{
		sources:         sources,
		stats:           NewRunStats(time.Now()),
		interval:        interval,
		failureInterval: failureInterval,
	}
}

// UpdateIntervals applies new sleep tuning. Picked up at the next
// inter-iteration sleep; safe to call from the config reload path.
func (s *Scheduler) UpdateIntervals(interval, failureInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	s.failureInterval = failureInterval
	logger.Info().Dur("interval", interval).Dur("failure_interval", failureInterval).
		Msg("Scheduler intervals updated")
}

// Stats returns the run statistics, for state dumps and the exit summary.
func (s *Scheduler) Stats() *RunStats {
	return s.stats
}

// Sources returns the scheduled sources, for state dumps.
func (s *Scheduler) Sources() []*Source {
	return s.sources
}

// Run executes poll iterations until ctx is canceled, then returns the
// final run statistics. Cancellation is also checked between per-source
// cycles so shutdown does not wait on the remainder of an iteration.
func (s *Scheduler) Run(ctx context.Context) *RunStats {
	for ctx.Err() == nil {
		s.runIteration(ctx)

		sleep := s.sleepInterval()
		logger.Debug().Dur("sleep", sleep).Msg("Iteration complete, sleeping")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	logger.Info().Msg("Scheduler shutting down")
	s.stats.LogSummary()
	return s.stats
}

// runIteration runs one poll cycle per source.
func (s *Scheduler) runIteration(ctx context.Context) {
	run := s.stats.NewRun()

	for _, source := range s.sources {
		if ctx.Err() != nil {
			logger.Info().Str("account", source.Name()).
				Msg("Shutdown requested, skipping remaining sources")
			return
		}

		result, err := source.RunCycle(ctx, time.Now())
		s.stats.ObserveCycle(result)
		if err != nil {
			// Already classified and logged by the cycle; the loop never
			// stops for a per-source error.
			logger.Debug().Err(err).Str("account", source.Name()).
				Str("outcome", result.Outcome.String()).
				Int("run", run).
				Msg("Cycle ended with error")
		}
	}
}

// sleepInterval picks the post-iteration sleep: the failure interval when
// any source failed this iteration, so recovery retries come sooner.
func (s *Scheduler) sleepInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.LastRunFailed() {
		return s.failureInterval
	}
	return s.interval
}

// RunStats tracks run statistics across the process lifetime.
type RunStats struct {
	mu            sync.Mutex
	uptimeStart   time.Time
	runCount      int
	failedCycles  int
	totalPoints   int
	lastRunFailed bool

	// Hour bookkeeping for log headers: a new hour block starts whenever
	// the window start's hour differs from the previous cycle's (!=, not >,
	// so resumed windows starting in an earlier hour still open a block).
	hourCount   int
	countInHour int
	lastStart   time.Time
}

// NewRunStats creates run statistics anchored at the given start time.
func NewRunStats(start time.Time) *RunStats {
	return &RunStats{uptimeStart: start}
}

// NewRun begins a new iteration and returns its ordinal.
func (s *RunStats) NewRun() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCount++
	s.lastRunFailed = false
	logger.Info().Int("run", s.runCount).Dur("uptime", time.Since(s.uptimeStart)).
		Msg("Starting run")
	return s.runCount
}

// ObserveCycle folds one cycle result into the statistics.
func (s *RunStats) ObserveCycle(result CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalPoints += result.Points
	if result.Failed() {
		s.failedCycles++
		s.lastRunFailed = true
	}

	start := result.Window.Start
	if s.lastStart.IsZero() || start.Hour() != s.lastStart.Hour() {
		s.hourCount++
		s.countInHour = 1
		logger.Info().Int("hour", s.hourCount).Time("window_start", start).Msg("New hour block")
	} else {
		s.countInHour++
	}
	s.lastStart = start
}

// LastRunFailed reports whether any cycle in the most recent iteration
// failed.
func (s *RunStats) LastRunFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunFailed
}

// Totals returns the run counters: iterations, failed cycles, points.
func (s *RunStats) Totals() (runs, failed, points int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount, s.failedCycles, s.totalPoints
}

// Uptime returns the time elapsed since the stats were created.
func (s *RunStats) Uptime() time.Duration {
	return time.Since(s.uptimeStart)
}

// LogSummary emits the final run statistics.
func (s *RunStats) LogSummary() {
	runs, failed, points := s.Totals()
	logger.Info().
		Int("total_runs", runs).
		Int("failed_cycles", failed).
		Int("total_points", points).
		Dur("uptime", s.Uptime()).
		Msg("Run statistics")
}
