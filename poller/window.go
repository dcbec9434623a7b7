// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package poller implements the windowed polling controller: per-source
// window state, pull quality evaluation and the bounded-retry recovery
// policy that keeps the output stream free of gaps and duplicate ranges.
package poller

import (
	"fmt"
	"time"

	"github.com/soothill/vue-energy-logger/pkg/errors"
)

// Window is the half-open time range [Start, End) requested in one cycle.
// Both bounds are truncated to whole seconds: the upstream API returns one
// reading per second, so second alignment yields exactly Duration seconds
// of data and lets the end time double as the next cycle's start time.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Seconds returns the window length in whole seconds.
func (w Window) Seconds() int {
	return int(w.Duration() / time.Second)
}

// Tracker owns the window and failure-streak state for one source.
//
// On an accepted pull the next window starts exactly where the previous one
// ended. On a rejected pull the start is held so the next window grows to
// re-cover the missed range, bounded by maxRetries consecutive rejections;
// past that bound the tracker force-accepts to stop unbounded growth.
// Not safe for concurrent use: each source's cycle owns its tracker.
type Tracker struct {
	window     Window
	streak     int
	lag        time.Duration
	interval   time.Duration
	maxRetries int
}

// NewTracker creates a window tracker with the given lag, polling interval
// and consecutive-rejection bound.
func NewTracker(lag, interval time.Duration, maxRetries int) *Tracker {
	return &Tracker{
		lag:        lag,
		interval:   interval,
		maxRetries: maxRetries,
	}
}

// Seed initializes the window at startup. The naive start is one interval
// before the lagged end; when the sink already holds data past that point
// the last persisted timestamp is used instead, so the stream resumes with
// neither a gap nor an overlap.
func (t *Tracker) Seed(now time.Time, lastPersisted time.Time, havePersisted bool) (Window, error) {
	end := laggedEnd(now, t.lag)
	start := end.Add(-t.interval)

	if havePersisted {
		// Legacy data may carry sub-second precision; chop it before comparing.
		persisted := lastPersisted.Truncate(time.Second)
		if persisted.After(start) {
			start = persisted
		}
	}

	if !end.After(start) {
		return Window{}, fmt.Errorf("%w: seed produced [%s, %s]", errors.ErrInvalidWindow, start, end)
	}

	t.window = Window{Start: start, End: end}
	t.streak = 0
	return t.window, nil
}

// BeginCycle recomputes the window end from the current wall clock and
// returns the window for this attempt. The start is whatever the previous
// outcome left in place, so a retried window grows to include the interval
// the failed attempt missed. An end that does not strictly exceed the start
// means the clock or the configured interval/lag is broken; the caller must
// treat it as a configuration error, not poll with it.
func (t *Tracker) BeginCycle(now time.Time) (Window, error) {
	end := laggedEnd(now, t.lag)
	if !end.After(t.window.Start) {
		return Window{}, errors.NewConfigError("poller", "",
			fmt.Errorf("%w: computed [%s, %s]", errors.ErrInvalidWindow, t.window.Start, end))
	}
	t.window.End = end
	return t.window, nil
}

// Accept records a successful, committed pull: the next window starts where
// this one ended and the failure streak resets.
func (t *Tracker) Accept() {
	t.window.Start = t.window.End
	t.streak = 0
}

// Reject records a quality rejection and returns the updated streak.
// The window start is held so the next attempt re-covers the missed range.
func (t *Tracker) Reject() int {
	t.streak++
	return t.streak
}

// ExceededRetries reports whether the current streak is past the bound and
// the next rejected pull must be committed anyway.
func (t *Tracker) ExceededRetries() bool {
	return t.streak > t.maxRetries
}

// HardFailure records a transport-class failure. The streak is set to 1
// rather than incremented: after the service comes back the first pull
// covers the whole outage window and deserves its full retry allowance,
// which a streak inflated by the outage itself would deny it.
func (t *Tracker) HardFailure() {
	t.streak = 1
}

// Window returns the current window.
func (t *Tracker) Window() Window {
	return t.window
}

// Streak returns the consecutive-failure count.
func (t *Tracker) Streak() int {
	return t.streak
}

// laggedEnd computes the newest usable window end: lag seconds behind the
// wall clock (so the upstream source has fully populated that second) and
// truncated to the second.
func laggedEnd(now time.Time, lag time.Duration) time.Time {
	return now.Add(-lag).Truncate(time.Second)
}
