package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amkt/courier/internal/messaging"
	"github.com/amkt/courier/internal/pkg/ctxlog"
)

// Handler executes one delivery attempt for a dequeued payload.
type Handler interface {
	Process(ctx context.Context, payload messaging.Payload) error
}

// Consumer drains the main queue and feeds the delivery processor. Each
// worker pulls from a shared prefetch-limited delivery channel, so a queue
// message is handled by exactly one worker.
type Consumer struct {
	conn    *amqp.Connection
	handler Handler
	cfg     Config

	ch *amqp.Channel
	wg sync.WaitGroup
}

// NewConsumer creates a consumer for the main queue.
func NewConsumer(conn *amqp.Connection, handler Handler, cfg Config) *Consumer {
	if cfg.ConsumerWorkers <= 0 {
		cfg.ConsumerWorkers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.ConsumerWorkers
	}
	return &Consumer{conn: conn, handler: handler, cfg: cfg}
}

// Start opens the consuming channel and launches the worker goroutines.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(MainQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", MainQueue, err)
	}
	c.ch = ch

	slog.Info("starting message consumer",
		"queue", MainQueue,
		"workers", c.cfg.ConsumerWorkers,
		"prefetch", c.cfg.Prefetch,
	)

	for i := 0; i < c.cfg.ConsumerWorkers; i++ {
		c.wg.Add(1)
		go c.run(ctx, deliveries)
	}
	return nil
}

// Stop cancels the broker subscription and waits for in-flight deliveries.
func (c *Consumer) Stop() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	c.wg.Wait()
	slog.Info("message consumer stopped")
}

func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for d := range deliveries {
		c.handle(ctx, d)
	}
}

// handle decodes and processes one delivery. The message is acknowledged in
// every processed case: outcome routing (retry queue, DLQ, store update) is
// the processor's job, and a redelivery loop on the main queue would only
// amplify infrastructure failures. Reservations orphaned by such failures are
// reconciled by the scheduler's watchdog.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var payload messaging.Payload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		slog.Error("dropping malformed payload", "error", err)
		_ = d.Reject(false)
		return
	}

	ctx = ctxlog.WithLogger(ctx, slog.With("trace_id", payload.TraceID))

	if err := c.handler.Process(ctx, payload); err != nil {
		slog.Error("processing delivery failed",
			"reservation_id", payload.ReservationID,
			"trace_id", payload.TraceID,
			"error", err,
		)
	}

	if err := d.Ack(false); err != nil {
		slog.Error("ack failed", "reservation_id", payload.ReservationID, "error", err)
	}
}
