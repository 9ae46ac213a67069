// Package scheduler converts due reservations into published queue work.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amkt/courier/internal/domain"
	"github.com/amkt/courier/internal/messaging"
	"github.com/amkt/courier/internal/reservation"
)

// Store is the slice of the reservation store the scheduler needs.
type Store interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error)
	MarkPending(ctx context.Context, id string, expectedVersion int64) error
	RequeueStuckPending(ctx context.Context, olderThan time.Time) (int64, error)
}

// Publisher enqueues payloads onto the main queue.
type Publisher interface {
	Publish(ctx context.Context, p messaging.Payload) error
}

// Config contains scheduler configuration.
type Config struct {
	Interval  time.Duration
	BatchSize int

	// Watchdog settings for reconciling reservations left PENDING by a
	// publish failure after a successful MarkPending.
	WatchdogInterval time.Duration
	WatchdogGrace    time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		BatchSize:        200,
		WatchdogInterval: time.Minute,
		WatchdogGrace:    10 * time.Minute,
	}
}

// Scheduler periodically claims due reservations under optimistic locking and
// publishes them. Multiple instances may run concurrently; the version-guarded
// MarkPending guarantees one winner per reservation.
type Scheduler struct {
	cfg       Config
	store     Store
	publisher Publisher

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, store Store, publisher Publisher) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the dispatch and watchdog loops.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting scheduler",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize,
		"watchdog_interval", s.cfg.WatchdogInterval,
		"watchdog_grace", s.cfg.WatchdogGrace,
	)

	s.wg.Add(2)
	go s.runDispatch(ctx)
	go s.runWatchdog(ctx)
}

// Stop gracefully stops both loops.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) runDispatch(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.DispatchDue(ctx)
		}
	}
}

func (s *Scheduler) runWatchdog(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.ReconcileStuckPending(ctx)
		}
	}
}

// DispatchDue claims and publishes every due reservation, paging through the
// store until the due pool is drained. Publish is fire-and-forget relative to
// the loop: a publish failure leaves the reservation PENDING for the watchdog.
func (s *Scheduler) DispatchDue(ctx context.Context) {
	for {
		due, err := s.store.FindDue(ctx, time.Now(), s.cfg.BatchSize)
		if err != nil {
			slog.Error("find due reservations failed", "error", err)
			return
		}
		if len(due) == 0 {
			return
		}

		slog.Info("dispatching due reservations", "count", len(due))

		for _, r := range due {
			s.dispatch(ctx, r)
		}

		if len(due) < s.cfg.BatchSize {
			return
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, r *domain.Reservation) {
	err := s.store.MarkPending(ctx, r.ID, r.Version)
	if errors.Is(err, reservation.ErrVersionConflict) {
		// Another scheduler instance won this reservation. Expected under
		// concurrent schedulers, not an error.
		slog.Debug("reservation claimed by another scheduler", "reservation_id", r.ID)
		recordClaimConflict()
		return
	}
	if err != nil {
		slog.Error("mark pending failed", "reservation_id", r.ID, "error", err)
		return
	}

	payload := messaging.NewPayload(r, uuid.NewString())
	if err := s.publisher.Publish(ctx, payload); err != nil {
		// The reservation stays PENDING; the watchdog requeues it after the
		// grace period.
		slog.Error("publish failed, reservation left pending for watchdog",
			"reservation_id", r.ID,
			"error", err,
		)
		return
	}

	recordPublished()
	slog.Info("reservation dispatched",
		"reservation_id", r.ID,
		"channel_type", r.ChannelType,
		"trace_id", payload.TraceID,
	)
}

// ReconcileStuckPending returns long-stuck PENDING reservations to READY.
func (s *Scheduler) ReconcileStuckPending(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.WatchdogGrace)
	count, err := s.store.RequeueStuckPending(ctx, cutoff)
	if err != nil {
		slog.Error("requeue stuck pending failed", "error", err)
		return
	}
	if count > 0 {
		slog.Warn("requeued stuck pending reservations", "count", count, "cutoff", cutoff)
		recordRequeued(count)
	}
}
