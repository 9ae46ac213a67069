package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amkt/courier/internal/messaging"
)

// Publisher enqueues payloads onto the main, retry, or dead-letter queue.
// An AMQP channel is not safe for concurrent publishing, so each producer
// (scheduler, consumer pool) gets its own Publisher.
type Publisher struct {
	ch *amqp.Channel
}

// NewPublisher opens a dedicated channel on the connection.
func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return &Publisher{ch: ch}, nil
}

// Publish enqueues a payload for immediate consumption.
func (p *Publisher) Publish(ctx context.Context, payload messaging.Payload) error {
	slog.Debug("publishing message",
		"reservation_id", payload.ReservationID,
		"retry_count", payload.RetryCount,
		"trace_id", payload.TraceID,
	)
	return p.publish(ctx, MessageExchange, SendRoutingKey, payload, amqp.Table{
		headerReservationID: payload.ReservationID,
		headerRetryCount:    int32(payload.RetryCount),
		headerTraceID:       payload.TraceID,
	}, "")
}

// PublishDelayed enqueues a payload onto the retry queue with a per-message
// TTL. On expiry the broker routes it back into the main queue.
func (p *Publisher) PublishDelayed(ctx context.Context, payload messaging.Payload, delay time.Duration) error {
	slog.Debug("publishing delayed message",
		"reservation_id", payload.ReservationID,
		"retry_count", payload.RetryCount,
		"delay", delay,
	)
	return p.publish(ctx, MessageExchange, RetryRoutingKey, payload, amqp.Table{
		headerReservationID: payload.ReservationID,
		headerRetryCount:    int32(payload.RetryCount),
		headerTraceID:       payload.TraceID,
	}, strconv.FormatInt(delay.Milliseconds(), 10))
}

// PublishDeadLetter routes a payload to the terminal sink with the failure
// reason and timestamp as metadata.
func (p *Publisher) PublishDeadLetter(ctx context.Context, payload messaging.Payload, reason string) error {
	slog.Warn("publishing dead letter",
		"reservation_id", payload.ReservationID,
		"reason", reason,
	)
	return p.publish(ctx, DeadLetterExchange, DeadLetterRoutingKey, payload, amqp.Table{
		headerReservationID: payload.ReservationID,
		headerDLQReason:     reason,
		headerFailedAt:      time.Now().UTC().Format(time.RFC3339),
	}, "")
}

// Close releases the channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, payload messaging.Payload, headers amqp.Table, expiration string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Expiration:   expiration,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}
