// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package poller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/soothill/vue-energy-logger/pkg/errors"
	"github.com/soothill/vue-energy-logger/pkg/interfaces"
)

// fakeMeter is an in-memory SampleSource.
type fakeMeter struct {
	logins   int
	loginErr error
	channels []interfaces.Channel
	listErr  error
	series   map[string][]*float64 // keyed by channelKey
	usageErr error
}

func (f *fakeMeter) Login(_ context.Context) error {
	f.logins++
	return f.loginErr
}

func (f *fakeMeter) ListChannels(_ context.Context) ([]interfaces.Channel, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.channels, nil
}

func (f *fakeMeter) GetUsageSeries(_ context.Context, ch interfaces.Channel, _, _ time.Time) ([]*float64, error) {
	if f.usageErr != nil {
		return nil, f.usageErr
	}
	return f.series[channelKey(ch)], nil
}

// fakeSink is an in-memory TimeSeriesSink.
type fakeSink struct {
	batches  [][]interfaces.UsagePoint
	writeErr error
	last     time.Time
	haveLast bool
	queryErr error
}

func (f *fakeSink) WriteBatch(_ context.Context, points []interfaces.UsagePoint) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.batches = append(f.batches, points)
	return nil
}

func (f *fakeSink) QueryLastTimestamp(_ context.Context, _ string) (time.Time, bool, error) {
	return f.last, f.haveLast, f.queryErr
}

func (f *fakeSink) DeleteAllSeries(_ context.Context) error { return nil }
func (f *fakeSink) Health(_ context.Context) error          { return nil }
func (f *fakeSink) Close()                                  {}

// fakeAlerts records operator alerts.
type fakeAlerts struct {
	gaps     int
	lastGap  int
	failures int
}

func (f *fakeAlerts) GapAccepted(_ context.Context, _ string, _, _ time.Time, missingSeconds int) error {
	f.gaps++
	f.lastGap = missingSeconds
	return nil
}

func (f *fakeAlerts) SourceFailing(_ context.Context, _ string, _ error) error {
	f.failures++
	return nil
}

func (f *fakeAlerts) IsEnabled() bool { return true }

// seriesOf builds a per-second usage series with nonNil populated readings
// out of total seconds, the rest nil.
func seriesOf(nonNil, total int) []*float64 {
	s := make([]*float64, total)
	for i := 0; i < nonNil; i++ {
		v := float64(i)
		s[i] = &v
	}
	return s
}

func testTuning() Tuning {
	return Tuning{
		Lag:              20 * time.Second,
		Interval:         60 * time.Second,
		MissingThreshold: 5,
		SpreadThreshold:  10,
		MaxRetries:       3,
	}
}

func channel(gid int, device, num string) interfaces.Channel {
	return interfaces.Channel{DeviceGID: gid, DeviceName: device, ChannelNum: num}
}

func newTestSource(t *testing.T, meter *fakeMeter, sink *fakeSink, alerts AlertSink) *Source {
	t.Helper()
	source := NewSource("home", meter, sink, testTuning(), nil, alerts)
	if err := source.Init(context.Background(), baseTime); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return source
}

func TestRunCycle_AcceptedAdvancesWindow(t *testing.T) {
	chans := []interfaces.Channel{
		channel(1, "Vue", "1"),
		channel(1, "Vue", "2"),
		channel(1, "Vue", "3"),
	}
	meter := &fakeMeter{
		channels: chans,
		series: map[string][]*float64{
			channelKey(chans[0]): seriesOf(60, 60),
			channelKey(chans[1]): seriesOf(60, 60),
			channelKey(chans[2]): seriesOf(58, 60),
		},
	}
	sink := &fakeSink{}
	source := newTestSource(t, meter, sink, nil)
	seeded := source.Tracker().Window()

	result, err := source.RunCycle(context.Background(), baseTime)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if result.Outcome != OutcomeAccepted {
		t.Errorf("Outcome = %v, want accepted", result.Outcome)
	}
	if result.Points != 178 {
		t.Errorf("Points = %d, want 178", result.Points)
	}
	if result.MinCount != 58 || result.MaxCount != 60 {
		t.Errorf("counts = (%d, %d), want (58, 60)", result.MinCount, result.MaxCount)
	}
	if result.Reporting != 3 {
		t.Errorf("Reporting = %d, want 3", result.Reporting)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 178 {
		t.Fatalf("sink batches = %d, want one batch of 178 points", len(sink.batches))
	}
	if got := source.Tracker().Window().Start; !got.Equal(seeded.End) {
		t.Errorf("window start after accept = %v, want previous end %v", got, seeded.End)
	}
	if source.Tracker().Streak() != 0 {
		t.Errorf("streak = %d, want 0", source.Tracker().Streak())
	}

	// Timestamps count the window forward one second per collected reading.
	first := sink.batches[0][0]
	if !first.Timestamp.Equal(seeded.Start) {
		t.Errorf("first point timestamp = %v, want window start %v", first.Timestamp, seeded.Start)
	}
	if first.Account != "home" || first.DeviceName != "Vue-01" {
		t.Errorf("first point identity = (%q, %q), want (\"home\", \"Vue-01\")", first.Account, first.DeviceName)
	}
}

func TestRunCycle_QualityRejectHoldsWindow(t *testing.T) {
	ch := channel(1, "Vue", "1")
	meter := &fakeMeter{
		channels: []interfaces.Channel{ch},
		series:   map[string][]*float64{channelKey(ch): seriesOf(50, 60)},
	}
	sink := &fakeSink{}
	source := newTestSource(t, meter, sink, nil)
	seeded := source.Tracker().Window()

	result, err := source.RunCycle(context.Background(), baseTime)
	if err == nil {
		t.Fatal("RunCycle() expected quality error")
	}
	if !errors.IsQualityError(err) {
		t.Errorf("error = %v, want QualityError", err)
	}
	if result.Outcome != OutcomeQualityRejected {
		t.Errorf("Outcome = %v, want quality_rejected", result.Outcome)
	}
	if len(sink.batches) != 0 {
		t.Errorf("sink received %d batches on reject, want 0", len(sink.batches))
	}
	if got := source.Tracker().Window().Start; !got.Equal(seeded.Start) {
		t.Errorf("window start = %v, want held %v", got, seeded.Start)
	}
	if source.Tracker().Streak() != 1 {
		t.Errorf("streak = %d, want 1", source.Tracker().Streak())
	}
}

func TestRunCycle_ForceAcceptAfterRetryBudget(t *testing.T) {
	ch := channel(1, "Vue", "1")
	meter := &fakeMeter{
		channels: []interfaces.Channel{ch},
		series:   map[string][]*float64{channelKey(ch): seriesOf(50, 60)},
	}
	sink := &fakeSink{}
	alerts := &fakeAlerts{}
	source := newTestSource(t, meter, sink, alerts)
	seeded := source.Tracker().Window()

	// Three rejections exhaust the budget.
	for i := 1; i <= 3; i++ {
		result, _ := source.RunCycle(context.Background(), baseTime)
		if result.Outcome != OutcomeQualityRejected {
			t.Fatalf("cycle %d outcome = %v, want quality_rejected", i, result.Outcome)
		}
	}

	// The fourth commits the incomplete data and advances anyway.
	result, err := source.RunCycle(context.Background(), baseTime)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Outcome != OutcomeForceAccepted {
		t.Errorf("Outcome = %v, want force_accepted", result.Outcome)
	}
	if !result.Failed() {
		t.Error("Failed() = false for force accept, want true")
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 50 {
		t.Fatalf("sink batches = %d, want one batch of 50 points", len(sink.batches))
	}
	if got := source.Tracker().Window().Start; !got.Equal(seeded.End) {
		t.Errorf("window start = %v, want advanced to %v", got, seeded.End)
	}
	if source.Tracker().Streak() != 0 {
		t.Errorf("streak = %d, want 0 after commit", source.Tracker().Streak())
	}
	if alerts.gaps != 1 || alerts.lastGap != 10 {
		t.Errorf("gap alerts = (%d, %d seconds), want (1, 10 seconds)", alerts.gaps, alerts.lastGap)
	}
}

func TestRunCycle_TransportFailureResetsStreakToOne(t *testing.T) {
	ch := channel(1, "Vue", "1")
	meter := &fakeMeter{
		channels: []interfaces.Channel{ch},
		series:   map[string][]*float64{channelKey(ch): seriesOf(50, 60)},
	}
	sink := &fakeSink{}
	alerts := &fakeAlerts{}
	source := newTestSource(t, meter, sink, alerts)
	seeded := source.Tracker().Window()

	// Build up a rejection streak first.
	source.RunCycle(context.Background(), baseTime)
	source.RunCycle(context.Background(), baseTime)
	if source.Tracker().Streak() != 2 {
		t.Fatalf("streak = %d, want 2", source.Tracker().Streak())
	}

	meter.usageErr = errors.NewTransportError("get usage series", "home", fmt.Errorf("connection reset"))
	result, err := source.RunCycle(context.Background(), baseTime)
	if err == nil {
		t.Fatal("RunCycle() expected transport error")
	}
	if result.Outcome != OutcomeHardFailed {
		t.Errorf("Outcome = %v, want hard_failed", result.Outcome)
	}
	if len(sink.batches) != 0 {
		t.Errorf("sink received %d batches on hard failure, want 0", len(sink.batches))
	}
	if got := source.Tracker().Window().Start; !got.Equal(seeded.Start) {
		t.Errorf("window start = %v, want held %v", got, seeded.Start)
	}
	if source.Tracker().Streak() != 1 {
		t.Errorf("streak = %d, want reset to 1", source.Tracker().Streak())
	}
	if alerts.failures != 1 {
		t.Errorf("failure alerts = %d, want 1", alerts.failures)
	}
}

func TestRunCycle_SinkFailureDoesNotAdvance(t *testing.T) {
	ch := channel(1, "Vue", "1")
	meter := &fakeMeter{
		channels: []interfaces.Channel{ch},
		series:   map[string][]*float64{channelKey(ch): seriesOf(60, 60)},
	}
	sink := &fakeSink{writeErr: errors.NewStorageError("write batch", "home", fmt.Errorf("unavailable"))}
	source := newTestSource(t, meter, sink, nil)
	seeded := source.Tracker().Window()

	result, err := source.RunCycle(context.Background(), baseTime)
	if err == nil {
		t.Fatal("RunCycle() expected storage error")
	}
	if result.Outcome != OutcomeHardFailed {
		t.Errorf("Outcome = %v, want hard_failed", result.Outcome)
	}
	if got := source.Tracker().Window().Start; !got.Equal(seeded.Start) {
		t.Errorf("window start = %v, want held %v", got, seeded.Start)
	}

	// Sink recovers: the same range commits and the stream stays contiguous.
	sink.writeErr = nil
	result, err = source.RunCycle(context.Background(), baseTime)
	if err != nil {
		t.Fatalf("RunCycle() after recovery error = %v", err)
	}
	if result.Outcome != OutcomeAccepted {
		t.Errorf("Outcome = %v, want accepted", result.Outcome)
	}
	if !sink.batches[0][0].Timestamp.Equal(seeded.Start) {
		t.Errorf("recommitted batch starts at %v, want original start %v",
			sink.batches[0][0].Timestamp, seeded.Start)
	}
}

func TestRunCycle_RefreshesIndexForNewChannel(t *testing.T) {
	known := channel(1, "Vue", "1")
	meter := &fakeMeter{
		channels: []interfaces.Channel{known},
		series:   map[string][]*float64{channelKey(known): seriesOf(60, 60)},
	}
	sink := &fakeSink{}
	source := newTestSource(t, meter, sink, nil)

	// A second device appears after startup.
	added := channel(2, "Garage", "1")
	meter.channels = []interfaces.Channel{known, added}
	meter.series[channelKey(added)] = seriesOf(60, 60)

	result, err := source.RunCycle(context.Background(), baseTime)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Reporting != 2 {
		t.Errorf("Reporting = %d, want 2", result.Reporting)
	}

	names := make(map[string]bool)
	for _, p := range sink.batches[0] {
		names[p.DeviceName] = true
	}
	if !names["Vue-01"] || !names["Garage-01"] {
		t.Errorf("device names = %v, want Vue-01 and Garage-01", names)
	}
}

func TestRunCycle_ListChannelsFailureIsHardFailure(t *testing.T) {
	ch := channel(1, "Vue", "1")
	meter := &fakeMeter{
		channels: []interfaces.Channel{ch},
		series:   map[string][]*float64{channelKey(ch): seriesOf(60, 60)},
	}
	source := newTestSource(t, meter, &fakeSink{}, nil)

	meter.listErr = errors.NewTransportError("list channels", "home", fmt.Errorf("503"))
	result, err := source.RunCycle(context.Background(), baseTime)
	if err == nil {
		t.Fatal("RunCycle() expected error")
	}
	if result.Outcome != OutcomeHardFailed {
		t.Errorf("Outcome = %v, want hard_failed", result.Outcome)
	}
}

func TestInit_SeedsFromPersistedTimestamp(t *testing.T) {
	ch := channel(1, "Vue", "1")
	meter := &fakeMeter{channels: []interfaces.Channel{ch}}
	persisted := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
	sink := &fakeSink{last: persisted, haveLast: true}

	source := NewSource("home", meter, sink, testTuning(), nil, nil)
	if err := source.Init(context.Background(), baseTime); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if meter.logins != 1 {
		t.Errorf("logins = %d, want 1", meter.logins)
	}
	if got := source.Tracker().Window().Start; !got.Equal(persisted) {
		t.Errorf("seeded start = %v, want persisted %v", got, persisted)
	}
}

func TestInit_LoginFailureIsFatal(t *testing.T) {
	meter := &fakeMeter{loginErr: errors.NewAuthError("home", fmt.Errorf("bad password"))}
	source := NewSource("home", meter, &fakeSink{}, testTuning(), nil, nil)

	err := source.Init(context.Background(), baseTime)
	if !errors.IsAuthError(err) {
		t.Errorf("Init() error = %v, want AuthError", err)
	}
}
