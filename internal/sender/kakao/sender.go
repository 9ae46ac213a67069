// Package kakao delivers messages through a KakaoTalk biz-message gateway.
package kakao

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

// Config holds Kakao gateway configuration.
type Config struct {
	GatewayURL  string
	SenderKey   string
	AuthToken   string
	Timeout     time.Duration
	RateLimit   float64 // requests per second, 0 = unlimited
	SMSFallback bool    // ask the gateway to fall back to SMS on delivery failure
}

// Sender implements the KakaoTalk channel.
type Sender struct {
	client      *resty.Client
	gatewayURL  string
	senderKey   string
	smsFallback bool
	limiter     *rate.Limiter
}

// NewSender creates a Kakao sender.
func NewSender(cfg Config) (*Sender, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("kakao sender: gateway url is required")
	}
	if cfg.SenderKey == "" {
		return nil, fmt.Errorf("kakao sender: sender key is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	slog.Info("kakao sender configured",
		"timeout", cfg.Timeout,
		"rate_limit", cfg.RateLimit,
		"sms_fallback", cfg.SMSFallback)

	return &Sender{
		client:      client,
		gatewayURL:  cfg.GatewayURL,
		senderKey:   cfg.SenderKey,
		smsFallback: cfg.SMSFallback,
		limiter:     limiter,
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeKakao
}

type gatewayRequest struct {
	SenderKey   string `json:"sender_key"`
	To          string `json:"to"`
	MessageRef  string `json:"message_ref"`
	TraceID     string `json:"trace_id"`
	SMSFallback bool   `json:"sms_fallback"`
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
}

// Send posts the payload to the gateway. Kakao gateways report some failures
// with a 200 status and a non-empty error code in the body, so the body code
// is checked before the HTTP status.
func (s *Sender) Send(ctx context.Context, p messaging.Payload) messaging.Result {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return messaging.Failed("KAKAO_RATE_WAIT_ABORTED", err.Error(), true)
		}
	}

	var gw gatewayResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(gatewayRequest{
			SenderKey:   s.senderKey,
			To:          p.ChannelAddress,
			MessageRef:  p.ReservationID,
			TraceID:     p.TraceID,
			SMSFallback: s.smsFallback,
		}).
		SetResult(&gw).
		SetError(&gw).
		Post(s.gatewayURL)
	if err != nil {
		return messaging.Failed("KAKAO_GATEWAY_UNREACHABLE", err.Error(), true)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusAccepted:
		if gw.Code != "" && gw.Code != "0000" {
			return classifyBodyCode(gw.Code)
		}
		return messaging.Succeeded(gw.MessageID)

	case http.StatusTooManyRequests:
		return messaging.Failed("KAKAO_RATE_LIMITED", "gateway rate limited", true)

	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return messaging.Failed("KAKAO_INVALID_REQUEST",
			fmt.Sprintf("gateway rejected request (%d): %s", resp.StatusCode(), resp.String()), false)

	case http.StatusUnauthorized, http.StatusForbidden:
		return messaging.Failed("KAKAO_AUTH_FAILED", "gateway authentication failed", false)

	default:
		if resp.StatusCode() >= 500 {
			return messaging.Failed("KAKAO_GATEWAY_ERROR",
				fmt.Sprintf("gateway error (%d)", resp.StatusCode()), true)
		}
		return messaging.Failed("KAKAO_UNEXPECTED_STATUS",
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode(), resp.String()), false)
	}
}

// classifyBodyCode maps gateway body codes to results. Codes in the 3xxx
// range are transient on this gateway, everything else is permanent.
func classifyBodyCode(code string) messaging.Result {
	retryable := len(code) == 4 && code[0] == '3'
	return messaging.Failed("KAKAO_"+code, fmt.Sprintf("gateway returned code %s", code), retryable)
}
