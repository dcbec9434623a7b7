// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the Vue energy logger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal tracks the total number of poll cycles executed
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vuelogger_cycles_total",
		Help: "Total number of poll cycles executed",
	})

	// CycleFailuresTotal tracks cycles that ended in a hard failure
	CycleFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vuelogger_cycle_failures_total",
		Help: "Total number of poll cycles that ended in a hard failure",
	}, []string{"account"})

	// QualityRejectsTotal tracks cycles rejected by the data-quality evaluator
	QualityRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vuelogger_quality_rejects_total",
		Help: "Total number of pulls rejected for incomplete data",
	}, []string{"account"})

	// ForceAcceptsTotal tracks rejected pulls committed anyway after the
	// consecutive-failure threshold was exceeded
	ForceAcceptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vuelogger_force_accepts_total",
		Help: "Total number of incomplete pulls committed after exhausting retries",
	}, []string{"account"})

	// PointsWrittenTotal tracks usage points written to the sink
	PointsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vuelogger_points_written_total",
		Help: "Total number of usage points written to the time-series sink",
	}, []string{"account"})

	// SinkWriteErrors tracks failed sink writes
	SinkWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vuelogger_sink_write_errors_total",
		Help: "Total number of failed writes to the time-series sink",
	})

	// PullDuration tracks how long one poll cycle takes end to end
	PullDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vuelogger_pull_duration_seconds",
		Help:    "Duration of one poll cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WindowSeconds tracks the current window duration per account.
	// Grows past the poll interval while a source is retrying.
	WindowSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vuelogger_window_seconds",
		Help: "Duration of the current poll window in seconds",
	}, []string{"account"})

	// FailureStreak tracks the consecutive-failure count per account
	FailureStreak = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vuelogger_failure_streak",
		Help: "Consecutive failed cycles for the account",
	}, []string{"account"})

	// ChannelsReporting tracks how many channels returned data last cycle
	ChannelsReporting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vuelogger_channels_reporting",
		Help: "Channels that returned at least one sample in the last pull",
	}, []string{"account"})
)
