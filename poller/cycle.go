// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package poller

import (
	"context"
	"math"
	"time"

	"github.com/soothill/vue-energy-logger/pkg/errors"
	"github.com/soothill/vue-energy-logger/pkg/interfaces"
	"github.com/soothill/vue-energy-logger/pkg/logger"
	"github.com/soothill/vue-energy-logger/pkg/metrics"
)

// Outcome classifies how a poll cycle ended.
type Outcome int

const (
	// OutcomeAccepted means the pull passed quality checks and was committed.
	OutcomeAccepted Outcome = iota
	// OutcomeQualityRejected means the pull was incomplete; nothing was
	// committed and the window start is held for the next attempt.
	OutcomeQualityRejected
	// OutcomeForceAccepted means the pull failed quality checks but the
	// retry budget was exhausted, so the incomplete data was committed
	// anyway and the window advanced.
	OutcomeForceAccepted
	// OutcomeHardFailed means a transport, auth or sink failure ended the
	// cycle; nothing was committed and the window start is held.
	OutcomeHardFailed
)

// String returns a log-friendly name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeQualityRejected:
		return "quality_rejected"
	case OutcomeForceAccepted:
		return "force_accepted"
	case OutcomeHardFailed:
		return "hard_failed"
	default:
		return "unknown"
	}
}

// CycleResult summarizes one poll cycle for one source.
type CycleResult struct {
	Outcome   Outcome
	Window    Window
	Points    int // points committed to the sink this cycle
	MinCount  int
	MaxCount  int
	Reporting int // channels that produced at least one sample
}

// Failed reports whether the cycle should trigger the shorter failure
// sleep interval. A force-accept still counts as failed: the pull was
// incomplete even though it was committed.
func (r CycleResult) Failed() bool {
	return r.Outcome != OutcomeAccepted
}

// AlertSink receives operator alerts for noteworthy cycle outcomes.
type AlertSink interface {
	GapAccepted(ctx context.Context, account string, start, end time.Time, missingSeconds int) error
	SourceFailing(ctx context.Context, account string, err error) error
	IsEnabled() bool
}

// Tuning collects the per-source polling parameters.
type Tuning struct {
	Lag              time.Duration
	Interval         time.Duration
	MissingThreshold int
	SpreadThreshold  int
	MaxRetries       int
}

// Source drives poll cycles for one configured account. All of its state
// (window, failure streak, device index, API session) is exclusively owned
// by the scheduling path; nothing is shared between sources.
type Source struct {
	name    string
	client  interfaces.SampleSource
	sink    interfaces.TimeSeriesSink
	tracker *Tracker
	index   *DeviceIndex
	quality Evaluator
	alerts  AlertSink
}

// NewSource creates the polling state for one account.
// overrides carries per-device positional channel names from the config;
// alerts may be nil.
func NewSource(name string, client interfaces.SampleSource, sink interfaces.TimeSeriesSink,
	tuning Tuning, overrides map[string][]string, alerts AlertSink) *Source {
	return &Source{
		name:    name,
		client:  client,
		sink:    sink,
		tracker: NewTracker(tuning.Lag, tuning.Interval, tuning.MaxRetries),
		index:   NewDeviceIndex(overrides),
		quality: Evaluator{
			MissingThreshold: tuning.MissingThreshold,
			SpreadThreshold:  tuning.SpreadThreshold,
		},
		alerts: alerts,
	}
}

// Name returns the configured account name.
func (s *Source) Name() string {
	return s.name
}

// Tracker exposes the window tracker, for state dumps.
func (s *Source) Tracker() *Tracker {
	return s.tracker
}

// Init authenticates the account, populates the device index and seeds the
// first window from the sink's last stored point. Called once at startup;
// any error here is fatal.
func (s *Source) Init(ctx context.Context, now time.Time) error {
	if err := s.client.Login(ctx); err != nil {
		return err
	}

	channels, err := s.client.ListChannels(ctx)
	if err != nil {
		return err
	}
	s.index.Populate(channels)
	logger.Info().Str("account", s.name).Int("channels", s.index.Len()).Msg("Device index populated")

	last, havePersisted, err := s.sink.QueryLastTimestamp(ctx, s.name)
	if err != nil {
		return err
	}

	window, err := s.tracker.Seed(now, last, havePersisted)
	if err != nil {
		return err
	}

	logger.Info().
		Str("account", s.name).
		Time("start", window.Start).
		Time("end", window.End).
		Bool("resumed", havePersisted).
		Msg("Window seeded")
	return nil
}

// RunCycle executes one pull for the source: request the window's samples,
// evaluate completeness, then commit-and-advance or hold-and-retry.
// The window is advanced only after the sink write succeeds, so a cycle
// either fully commits or leaves the window untouched.
func (s *Source) RunCycle(ctx context.Context, now time.Time) (CycleResult, error) {
	cycleStart := time.Now()
	defer func() {
		metrics.PullDuration.Observe(time.Since(cycleStart).Seconds())
	}()
	metrics.CyclesTotal.Inc()

	window, err := s.tracker.BeginCycle(now)
	if err != nil {
		// Window invariant broken: configuration or clock problem, not a
		// pull failure. Surface it without touching the streak.
		return CycleResult{Outcome: OutcomeHardFailed, Window: s.tracker.Window()}, err
	}
	metrics.WindowSeconds.WithLabelValues(s.name).Set(float64(window.Seconds()))

	logger.Info().
		Str("account", s.name).
		Time("start", window.Start).
		Time("end", window.End).
		Dur("duration", window.Duration()).
		Int("streak", s.tracker.Streak()).
		Msg("Starting pull")

	points, minCount, maxCount, reporting, err := s.pull(ctx, window)
	if err != nil {
		return s.hardFail(ctx, window, err)
	}

	result := CycleResult{
		Window:    window,
		MinCount:  minCount,
		MaxCount:  maxCount,
		Reporting: reporting,
	}
	metrics.ChannelsReporting.WithLabelValues(s.name).Set(float64(reporting))

	verdict := s.quality.Evaluate(minCount, maxCount, window.Seconds())
	if verdict == nil {
		return s.commit(ctx, window, points, result, OutcomeAccepted)
	}

	metrics.QualityRejectsTotal.WithLabelValues(s.name).Inc()
	streak := s.tracker.Reject()
	metrics.FailureStreak.WithLabelValues(s.name).Set(float64(streak))

	if !s.tracker.ExceededRetries() {
		logger.Warn().
			Str("account", s.name).
			Err(verdict).
			Int("streak", streak).
			Msg("Pull rejected, holding window start for retry")
		result.Outcome = OutcomeQualityRejected
		return result, verdict
	}

	// Retry budget exhausted: commit whatever was collected and advance so
	// the window cannot grow without bound. The uncovered seconds become a
	// permanent gap in the sink.
	logger.Error().
		Str("account", s.name).
		Err(verdict).
		Int("streak", streak).
		Msg("Consecutive incomplete pulls exceeded retry budget, committing incomplete data")

	result, err = s.commit(ctx, window, points, result, OutcomeForceAccepted)
	if err != nil {
		return result, err
	}

	metrics.ForceAcceptsTotal.WithLabelValues(s.name).Inc()
	if s.alerts != nil && s.alerts.IsEnabled() {
		missing := window.Seconds() - maxCount
		if alertErr := s.alerts.GapAccepted(ctx, s.name, window.Start, window.End, missing); alertErr != nil {
			logger.Error().Err(alertErr).Str("account", s.name).Msg("Failed to send gap-accepted alert")
		}
	}
	return result, nil
}

// pull requests the usage series for every channel in the window, drops
// absent readings and accumulates per-channel completeness counts.
func (s *Source) pull(ctx context.Context, window Window) (points []interfaces.UsagePoint, minCount, maxCount, reporting int, err error) {
	channels, err := s.client.ListChannels(ctx)
	if err != nil {
		return nil, 0, 0, 0, err
	}

	minCount = math.MaxInt
	refreshed := false

	for _, ch := range channels {
		if ctx.Err() != nil {
			return nil, 0, 0, 0, errors.NewTransportError("pull", s.name, ctx.Err())
		}

		name, ok := s.index.Lookup(ch)
		if !ok {
			// Unknown identity: refresh the index once per cycle, not once
			// per channel, to bound re-discovery work.
			if !refreshed {
				s.index.Populate(channels)
				refreshed = true
				logger.Info().Str("account", s.name).Int("channels", s.index.Len()).
					Msg("Device index refreshed after unknown channel")
				name, ok = s.index.Lookup(ch)
			}
			if !ok {
				name = channelKey(ch)
			}
		}

		usage, usageErr := s.client.GetUsageSeries(ctx, ch, window.Start, window.End)
		if usageErr != nil {
			return nil, 0, 0, 0, usageErr
		}

		collected := 0
		for _, watts := range usage {
			if watts == nil {
				continue
			}
			points = append(points, interfaces.UsagePoint{
				Account:    s.name,
				DeviceName: name,
				Timestamp:  window.Start.Add(time.Duration(collected) * time.Second),
				Usage:      *watts,
			})
			collected++
		}
		logger.Debug().Str("account", s.name).Str("channel", name).Int("points", collected).
			Msg("Channel collected")

		// Channels with no data at all are ignored for min/max: some
		// channels legitimately report nothing for long stretches.
		if collected > 0 {
			reporting++
			minCount = min(minCount, collected)
			maxCount = max(maxCount, collected)
		}
	}

	if reporting == 0 {
		minCount = 0
	}
	return points, minCount, maxCount, reporting, nil
}

// commit writes the batch and, only on success, advances the window.
// A failed write is a hard failure: the start is held and the next cycle
// re-covers the same range, so no points are silently lost.
func (s *Source) commit(ctx context.Context, window Window, points []interfaces.UsagePoint,
	result CycleResult, outcome Outcome) (CycleResult, error) {
	if err := s.sink.WriteBatch(ctx, points); err != nil {
		metrics.SinkWriteErrors.Inc()
		return s.hardFail(ctx, window, err)
	}

	s.tracker.Accept()
	metrics.PointsWrittenTotal.WithLabelValues(s.name).Add(float64(len(points)))
	metrics.FailureStreak.WithLabelValues(s.name).Set(0)

	result.Outcome = outcome
	result.Points = len(points)
	logger.Info().
		Str("account", s.name).
		Str("outcome", outcome.String()).
		Int("points", len(points)).
		Int("min", result.MinCount).
		Int("max", result.MaxCount).
		Int("channels", result.Reporting).
		Msg("Pull committed")
	return result, nil
}

// hardFail records a transport-class failure: streak bookkeeping, metrics,
// operator alert. The window start is left untouched.
func (s *Source) hardFail(ctx context.Context, window Window, err error) (CycleResult, error) {
	s.tracker.HardFailure()
	metrics.CycleFailuresTotal.WithLabelValues(s.name).Inc()
	metrics.FailureStreak.WithLabelValues(s.name).Set(float64(s.tracker.Streak()))

	logger.Error().
		Err(err).
		Str("account", s.name).
		Time("start", window.Start).
		Time("end", window.End).
		Msg("Pull hard-failed, window start held")

	if s.alerts != nil && s.alerts.IsEnabled() {
		if alertErr := s.alerts.SourceFailing(ctx, s.name, err); alertErr != nil {
			logger.Error().Err(alertErr).Str("account", s.name).Msg("Failed to send failure alert")
		}
	}

	return CycleResult{Outcome: OutcomeHardFailed, Window: window}, err
}
