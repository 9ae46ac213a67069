package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amkt/courier/internal/domain"
	"github.com/amkt/courier/internal/pkg/ctxlog"
	"github.com/amkt/courier/internal/reservation"
)

// Publisher enqueues payloads onto the main, retry, or dead-letter queue.
type Publisher interface {
	Publish(ctx context.Context, p Payload) error
	PublishDelayed(ctx context.Context, p Payload, delay time.Duration) error
	PublishDeadLetter(ctx context.Context, p Payload, reason string) error
}

// ReservationStore is the slice of the store the processor needs to record
// terminal outcomes.
type ReservationStore interface {
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, retryable bool) error
}

// StatsRecorder tallies delivery outcomes off the critical path. Implementations
// must never block.
type StatsRecorder interface {
	RecordResult(success bool)
}

// Processor executes one delivery attempt per dequeued payload and routes the
// outcome: terminal store update on success, delayed redelivery or dead-letter
// on failure. It is broker-agnostic; the rabbit consumer feeds it.
type Processor struct {
	registry  *Registry
	store     ReservationStore
	publisher Publisher
	stats     StatsRecorder
}

// NewProcessor creates a delivery processor.
func NewProcessor(registry *Registry, store ReservationStore, publisher Publisher, stats StatsRecorder) *Processor {
	return &Processor{
		registry:  registry,
		store:     store,
		publisher: publisher,
		stats:     stats,
	}
}

// Process handles one dequeued payload. Routing failures are contained here:
// the returned error is for logging only and never requeues the message, so a
// reservation left PENDING by an infrastructure error is picked up by the
// watchdog instead of spinning on the broker.
func (p *Processor) Process(ctx context.Context, payload Payload) error {
	log := ctxlog.FromContext(ctx).With(
		"reservation_id", payload.ReservationID,
		"channel_type", payload.ChannelType,
		"retry_count", payload.RetryCount,
		"trace_id", payload.TraceID,
	)

	sender, ok := p.registry.Get(payload.ChannelType)
	if !ok {
		// Retrying cannot fix a missing sender.
		log.Error("no sender registered for channel type")
		p.stats.RecordResult(false)
		recordOutcome(string(payload.ChannelType), "no_sender")
		return p.deadLetter(ctx, payload, fmt.Sprintf("no sender registered for channel %s", payload.ChannelType), false)
	}

	start := time.Now()
	result := p.send(ctx, sender, payload)
	recordSendDuration(string(payload.ChannelType), time.Since(start))

	p.stats.RecordResult(result.Success)

	if result.Success {
		log.Info("message sent", "provider_message_id", result.ProviderMessageID)
		recordOutcome(string(payload.ChannelType), "success")
		if err := p.store.Complete(ctx, payload.ReservationID); err != nil {
			return p.logStoreError(log, "complete", err)
		}
		return nil
	}

	log.Warn("send failed",
		"error_code", result.ErrorCode,
		"error_message", result.ErrorMessage,
		"retryable", result.Retryable,
	)

	if result.Retryable && payload.RetryCount < MaxWireRetries {
		return p.scheduleRetry(ctx, log, payload, result)
	}

	reason := fmt.Sprintf("non-retryable error: %s", result.ErrorMessage)
	if result.Retryable {
		reason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", payload.RetryCount, result.ErrorMessage)
	}
	if err := p.deadLetter(ctx, payload, reason, result.Retryable); err != nil {
		return err
	}
	recordOutcome(string(payload.ChannelType), "failed")
	return nil
}

// send invokes the sender, converting a panic into a retryable failure so a
// misbehaving provider client cannot take the consumer down.
func (p *Processor) send(ctx context.Context, sender Sender, payload Payload) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sender panicked",
				"reservation_id", payload.ReservationID,
				"channel_type", payload.ChannelType,
				"panic", r,
			)
			result = Failed("SENDER_PANIC", fmt.Sprintf("sender panic: %v", r), true)
		}
	}()
	return sender.Send(ctx, payload)
}

func (p *Processor) scheduleRetry(ctx context.Context, log *slog.Logger, payload Payload, result Result) error {
	delay := DelayFor(payload.RetryCount)
	retryPayload := payload.WithRetry(payload.RetryCount + 1)

	if err := p.publisher.PublishDelayed(ctx, retryPayload, delay); err != nil {
		// The domain-level requeue below still re-enters the due-time pool,
		// so a lost wire retry only costs latency.
		log.Error("publish to retry queue failed", "error", err)
	} else {
		log.Info("scheduled wire retry", "delay", delay, "next_retry_count", retryPayload.RetryCount)
		recordOutcome(string(payload.ChannelType), "retry")
	}

	if err := p.store.Fail(ctx, payload.ReservationID, result.Retryable); err != nil {
		return p.logStoreError(log, "fail", err)
	}
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, payload Payload, reason string, retryable bool) error {
	if err := p.publisher.PublishDeadLetter(ctx, payload, reason); err != nil {
		slog.Error("publish to dead-letter queue failed",
			"reservation_id", payload.ReservationID,
			"error", err,
		)
		return err
	}
	recordDeadLetter(string(payload.ChannelType))

	if err := p.store.Fail(ctx, payload.ReservationID, retryable); err != nil {
		return p.logStoreError(slog.With("reservation_id", payload.ReservationID), "fail", err)
	}
	return nil
}

// logStoreError contains store failures locally. Conflicts are expected under
// at-least-once redelivery (e.g. a redelivered payload for an already
// completed reservation) and are not treated as systemic failures.
func (p *Processor) logStoreError(log *slog.Logger, op string, err error) error {
	if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, reservation.ErrVersionConflict) {
		log.Warn("reservation already advanced", "op", op, "error", err)
		return nil
	}
	if errors.Is(err, reservation.ErrNotFound) {
		log.Warn("reservation missing for queued payload", "op", op)
		return nil
	}
	log.Error("reservation store update failed", "op", op, "error", err)
	return err
}
