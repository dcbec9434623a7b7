// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import "context"

// Notifier defines the interface for sending operator alerts.
type Notifier interface {
	// SendAlert sends a formatted alert with severity ("good", "warning",
	// "danger"), title and message text
	SendAlert(ctx context.Context, severity, title, text string) error

	// IsEnabled reports whether the notifier is configured
	IsEnabled() bool
}
