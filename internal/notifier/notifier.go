// Package notifier defines the outbound alerting contract consumed by the
// pipeline. Notifications are fire-and-forget: callers log failures and move on.
package notifier

import (
	"context"

	"github.com/amkt/courier/internal/messaging"
)

// Notifier forwards operational events to an external collaborator.
type Notifier interface {
	NotifyReport(ctx context.Context, successCount, failureCount int64) error
	NotifyDeadLetter(ctx context.Context, payload messaging.Payload, reason string) error
}

// Noop discards all notifications. Used when alerting is disabled.
type Noop struct{}

// NewNoop creates a no-op notifier.
func NewNoop() *Noop { return &Noop{} }

// NotifyReport discards the report.
func (*Noop) NotifyReport(context.Context, int64, int64) error { return nil }

// NotifyDeadLetter discards the event.
func (*Noop) NotifyDeadLetter(context.Context, messaging.Payload, string) error { return nil }
