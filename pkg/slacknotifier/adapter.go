// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package slacknotifier

import (
	"context"
	"fmt"
	"time"

	"github.com/soothill/vue-energy-logger/pkg/interfaces"
)

// Adapter adapts any interfaces.Notifier to the poller.AlertSink
// interface.
type Adapter struct {
	notifier interfaces.Notifier
}

// NewAdapter creates a new adapter.
func NewAdapter(notifier interfaces.Notifier) *Adapter {
	return &Adapter{notifier: notifier}
}

// GapAccepted sends an alert when an incomplete pull was committed after the
// retry budget was exhausted, permanently accepting a gap into the sink.
func (a *Adapter) GapAccepted(ctx context.Context, account string, start, end time.Time, missingSeconds int) error {
	return a.notifier.SendAlert(ctx, "warning", "⚠️ Incomplete Data Accepted",
		fmt.Sprintf("Account %q committed an incomplete pull for [%s - %s]: %d seconds of data are missing and will not be retried.",
			account, start.Format(time.RFC3339), end.Format(time.RFC3339), missingSeconds))
}

// SourceFailing sends an alert when a source hard-fails.
func (a *Adapter) SourceFailing(ctx context.Context, account string, err error) error {
	return a.notifier.SendAlert(ctx, "danger", "⚠️ Metering API Failure",
		fmt.Sprintf("Account %q failed to pull usage data: %v\nThe window start is held; the range will be retried.", account, err))
}

// IsEnabled returns whether Slack notifications are enabled
func (a *Adapter) IsEnabled() bool {
	return a.notifier.IsEnabled()
}
