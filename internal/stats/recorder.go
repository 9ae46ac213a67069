// Package stats tallies delivery outcomes off the delivery critical path.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ReportNotifier receives the periodic delivery report.
type ReportNotifier interface {
	NotifyReport(ctx context.Context, successCount, failureCount int64) error
}

// Recorder keeps lock-free success/failure counters and periodically flushes
// a report to the external notifier. Increments never block and never fail;
// losing a counter update under extreme failure is acceptable, losing a
// delivery outcome is not, so the recorder is kept strictly out of the
// consumer's critical path.
type Recorder struct {
	success atomic.Int64
	failure atomic.Int64

	notifier ReportNotifier
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder flushing on the given interval.
func NewRecorder(notifier ReportNotifier, interval time.Duration) *Recorder {
	return &Recorder{
		notifier: notifier,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// RecordResult tallies one delivery outcome.
func (r *Recorder) RecordResult(success bool) {
	if success {
		r.success.Add(1)
	} else {
		r.failure.Add(1)
	}
}

// Snapshot returns the counters accumulated since the last flush.
func (r *Recorder) Snapshot() (successCount, failureCount int64) {
	return r.success.Load(), r.failure.Load()
}

// Start launches the flush loop.
func (r *Recorder) Start(ctx context.Context) {
	slog.Info("starting stats recorder", "flush_interval", r.interval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Flush(ctx)
			}
		}
	}()
}

// Stop flushes any remaining counts and stops the loop.
func (r *Recorder) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.Flush(context.Background())
	slog.Info("stats recorder stopped")
}

// Flush atomically reads and resets both counters and, if either is non-zero,
// forwards a report. Notifier failures are logged, never propagated: the
// counts for that window are dropped by design.
func (r *Recorder) Flush(ctx context.Context) {
	successCount := r.success.Swap(0)
	failureCount := r.failure.Swap(0)

	if successCount == 0 && failureCount == 0 {
		return
	}

	if err := r.notifier.NotifyReport(ctx, successCount, failureCount); err != nil {
		slog.Error("delivery report failed",
			"success_count", successCount,
			"failure_count", failureCount,
			"error", err,
		)
		return
	}

	slog.Info("delivery report sent", "success_count", successCount, "failure_count", failureCount)
}
