// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"
)

// UsagePoint represents one second of energy usage for one channel.
type UsagePoint struct {
	Account    string    // Configured account name, stored as a tag
	DeviceName string    // Synthesized channel display name, stored as a tag
	Timestamp  time.Time // Whole-second timestamp
	Usage      float64   // Usage in watts
}

// TimeSeriesSink defines the interface for time-series data persistence.
type TimeSeriesSink interface {
	// WriteBatch writes a batch of usage points. It must not return until
	// the batch is durably accepted or an error is known: the caller only
	// advances its window after a successful write.
	WriteBatch(ctx context.Context, points []UsagePoint) error

	// QueryLastTimestamp returns the timestamp of the most recent point
	// stored for the account, truncated to whole seconds. The bool is
	// false when no data exists for the account.
	QueryLastTimestamp(ctx context.Context, account string) (time.Time, bool, error)

	// DeleteAllSeries removes all stored usage data. Invoked only when the
	// reset flag is configured at startup.
	DeleteAllSeries(ctx context.Context) error

	// Health checks if the storage backend is healthy
	Health(ctx context.Context) error

	// Close gracefully shuts down the storage connection
	Close()
}
