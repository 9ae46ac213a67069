// Package rabbit wires the delivery pipeline to RabbitMQ: topology
// declaration, publishing, and the main/dead-letter consumers.
package rabbit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue and exchange names. The retry queue has no consumer: expired messages
// dead-letter back into the message exchange under the send routing key,
// which re-enters the main queue. TTL-on-expiry is used purely as a delay
// mechanism, not as failure routing.
const (
	MainQueue       = "courier.message.queue"
	RetryQueue      = "courier.message.retry.queue"
	DeadLetterQueue = "courier.message.dlq"

	MessageExchange    = "courier.message.exchange"
	DeadLetterExchange = "courier.message.dlq.exchange"

	SendRoutingKey       = "message.send"
	RetryRoutingKey      = "message.retry"
	DeadLetterRoutingKey = "message.failed"
)

// Header names carried as message metadata.
const (
	headerReservationID = "reservationId"
	headerRetryCount    = "retryCount"
	headerTraceID       = "traceId"
	headerDLQReason     = "dlqReason"
	headerFailedAt      = "failedAt"
)

// Config contains broker connection configuration.
type Config struct {
	URL             string
	Prefetch        int
	ConsumerWorkers int
	ConnectAttempts int
}

// Connect dials the broker with retry, matching the database connect behavior.
func Connect(ctx context.Context, cfg Config) (*amqp.Connection, error) {
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var conn *amqp.Connection
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		conn, lastErr = amqp.Dial(cfg.URL)
		if lastErr == nil {
			slog.Info("connected to broker", "attempts", attempt)
			return conn, nil
		}
		if attempt < attempts {
			backoff := calcBackoff(attempt)
			slog.Warn("failed to connect to broker, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("broker connection cancelled: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("connect to broker after %d attempts: %w", attempts, lastErr)
}

// DeclareTopology declares the three durable queues and their exchange
// bindings. Declaration is idempotent; every process declares on startup.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(MessageExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", MessageExchange, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(MainQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", MainQueue, err)
	}
	if _, err := ch.QueueDeclare(RetryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    MessageExchange,
		"x-dead-letter-routing-key": SendRoutingKey,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", RetryQueue, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}

	if err := ch.QueueBind(MainQueue, SendRoutingKey, MessageExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", MainQueue, err)
	}
	if err := ch.QueueBind(RetryQueue, RetryRoutingKey, MessageExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", RetryQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, DeadLetterRoutingKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}

	return nil
}

func calcBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<(attempt-1)) * time.Second
	if backoff > 16*time.Second {
		backoff = 16 * time.Second
	}
	return backoff
}
