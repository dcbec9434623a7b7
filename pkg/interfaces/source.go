// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"
	"time"
)

// Channel identifies one metered circuit on a device, as reported by the
// metering API.
type Channel struct {
	DeviceGID  int    // Device identifier assigned by the metering service
	DeviceName string // Device display name from the API
	ChannelNum string // Channel number within the device; "1,2,3" is the main/parent channel
	Name       string // Raw channel name from the API, may be empty
}

// SampleSource defines the interface to the remote metering API.
// Implementations must surface authentication failures as AuthError and
// network-level failures as TransportError so that the poll cycle can
// distinguish hard failures from quality rejects.
type SampleSource interface {
	// Login authenticates (or re-authenticates) the account session
	Login(ctx context.Context) error

	// ListChannels returns every channel on every device under the account
	ListChannels(ctx context.Context) ([]Channel, error)

	// GetUsageSeries returns one wattage reading per second over [start, end).
	// A nil entry means the reading for that second is absent upstream.
	GetUsageSeries(ctx context.Context, ch Channel, start, end time.Time) ([]*float64, error)
}
