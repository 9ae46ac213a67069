// Package sms delivers messages through an SMS gateway webhook.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/amkt/courier/internal/domain"
	"github.com/amkt/courier/internal/messaging"
)

const defaultTimeout = 10 * time.Second

// Config holds SMS gateway configuration.
type Config struct {
	GatewayURL string
	AuthKey    string
	Timeout    time.Duration
	RateLimit  float64 // requests per second, 0 = unlimited
}

// Sender implements the SMS channel. It owns its gateway client; payloads
// pass through, nothing is retained per message.
type Sender struct {
	client     *resty.Client
	gatewayURL string
	limiter    *rate.Limiter
}

// NewSender creates an SMS sender.
func NewSender(cfg Config) (*Sender, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("sms sender: gateway url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.AuthKey != "" {
		client.SetHeader("x-api-key", cfg.AuthKey)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	slog.Info("sms sender configured", "timeout", cfg.Timeout, "rate_limit", cfg.RateLimit)

	return &Sender{client: client, gatewayURL: cfg.GatewayURL, limiter: limiter}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeSMS
}

type gatewayRequest struct {
	To         string `json:"to"`
	MessageRef string `json:"message_ref"`
	TraceID    string `json:"trace_id"`
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
}

// Send posts the payload to the gateway and classifies the HTTP outcome into
// a structured result.
func (s *Sender) Send(ctx context.Context, p messaging.Payload) messaging.Result {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return messaging.Failed("SMS_RATE_WAIT_ABORTED", err.Error(), true)
		}
	}

	var gw gatewayResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(gatewayRequest{
			To:         p.ChannelAddress,
			MessageRef: p.ReservationID,
			TraceID:    p.TraceID,
		}).
		SetResult(&gw).
		Post(s.gatewayURL)
	if err != nil {
		return messaging.Failed("SMS_GATEWAY_UNREACHABLE", err.Error(), true)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusAccepted:
		return messaging.Succeeded(gw.MessageID)

	case http.StatusTooManyRequests:
		return messaging.Failed("SMS_RATE_LIMITED", "gateway rate limited", true)

	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return messaging.Failed("SMS_INVALID_REQUEST",
			fmt.Sprintf("gateway rejected request (%d): %s", resp.StatusCode(), resp.String()), false)

	case http.StatusUnauthorized, http.StatusForbidden:
		return messaging.Failed("SMS_AUTH_FAILED", "gateway authentication failed", false)

	default:
		if resp.StatusCode() >= 500 {
			return messaging.Failed("SMS_GATEWAY_ERROR",
				fmt.Sprintf("gateway error (%d)", resp.StatusCode()), true)
		}
		return messaging.Failed("SMS_UNEXPECTED_STATUS",
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode(), resp.String()), false)
	}
}
