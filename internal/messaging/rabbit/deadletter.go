package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amkt/courier/internal/messaging"
)

// DeadLetterNotifier is the outbound alerting slice the handler consumes.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, payload messaging.Payload, reason string) error
}

// DeadLetterHandler drains the dead-letter queue and forwards each entry to
// the external notifier. It is an observability sink: no retries, no
// lifecycle decisions.
type DeadLetterHandler struct {
	conn     *amqp.Connection
	notifier DeadLetterNotifier

	ch *amqp.Channel
	wg sync.WaitGroup
}

// NewDeadLetterHandler creates a handler for the dead-letter queue.
func NewDeadLetterHandler(conn *amqp.Connection, notifier DeadLetterNotifier) *DeadLetterHandler {
	return &DeadLetterHandler{conn: conn, notifier: notifier}
}

// Start launches the drain loop.
func (h *DeadLetterHandler) Start(ctx context.Context) error {
	ch, err := h.conn.Channel()
	if err != nil {
		return fmt.Errorf("open dead-letter channel: %w", err)
	}

	deliveries, err := ch.Consume(DeadLetterQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", DeadLetterQueue, err)
	}
	h.ch = ch

	slog.Info("starting dead-letter handler", "queue", DeadLetterQueue)

	h.wg.Add(1)
	go h.run(ctx, deliveries)
	return nil
}

// Stop cancels the subscription and waits for the drain loop.
func (h *DeadLetterHandler) Stop() {
	if h.ch != nil {
		_ = h.ch.Close()
	}
	h.wg.Wait()
	slog.Info("dead-letter handler stopped")
}

func (h *DeadLetterHandler) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer h.wg.Done()

	for d := range deliveries {
		h.handle(ctx, d)
	}
}

func (h *DeadLetterHandler) handle(ctx context.Context, d amqp.Delivery) {
	reason, _ := d.Headers[headerDLQReason].(string)
	failedAt, _ := d.Headers[headerFailedAt].(string)

	var payload messaging.Payload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		slog.Error("malformed dead letter", "error", err, "reason", reason)
		_ = d.Ack(false)
		return
	}

	slog.Error("dead letter received",
		"reservation_id", payload.ReservationID,
		"channel_type", payload.ChannelType,
		"trace_id", payload.TraceID,
		"reason", reason,
		"failed_at", failedAt,
	)

	// Fire-and-forget: a broken notifier must not back up the queue.
	if err := h.notifier.NotifyDeadLetter(ctx, payload, reason); err != nil {
		slog.Error("dead-letter notification failed",
			"reservation_id", payload.ReservationID,
			"error", err,
		)
	}

	_ = d.Ack(false)
}
