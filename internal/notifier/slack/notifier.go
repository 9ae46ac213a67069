// Package slack sends operational notifications via a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/amkt/courier/internal/messaging"
)

const defaultTimeout = 10 * time.Second

// Config holds Slack notifier configuration.
type Config struct {
	WebhookURL string
	Timeout    time.Duration
}

// Notifier posts delivery reports and dead-letter alerts to a Slack webhook.
type Notifier struct {
	config     Config
	httpClient *http.Client
}

// NewNotifier creates a Slack notifier.
func NewNotifier(config Config) (*Notifier, error) {
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("slack notifier: webhook url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("slack notifier configured", "webhook", maskWebhookURL(config.WebhookURL))

	return &Notifier{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// NotifyReport posts the periodic delivery summary.
func (n *Notifier) NotifyReport(ctx context.Context, successCount, failureCount int64) error {
	text := fmt.Sprintf("Delivery report\nSucceeded: %d\nFailed: %d", successCount, failureCount)
	return n.post(ctx, webhookPayload{Text: text})
}

// NotifyDeadLetter posts an alert for a terminally failed payload.
func (n *Notifier) NotifyDeadLetter(ctx context.Context, payload messaging.Payload, reason string) error {
	text := fmt.Sprintf("Dead letter: message delivery permanently failed\nReservation: %s\nPersona: %s\nChannel: %s\nReason: %s",
		payload.ReservationID,
		payload.PersonaID,
		payload.ChannelType,
		reason,
	)
	return n.post(ctx, webhookPayload{
		Text: text,
		Attachments: []attachment{{
			Color: "danger",
			Title: "Trace",
			Text:  payload.TraceID,
		}},
	})
}

type webhookPayload struct {
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Color string `json:"color,omitempty"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

func (n *Notifier) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook status %d: %s", resp.StatusCode, string(respBody))
	}

	slog.Debug("slack notification sent", "webhook", maskWebhookURL(n.config.WebhookURL))
	return nil
}

// maskWebhookURL hides most of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}
