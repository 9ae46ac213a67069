package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amkt/courier/internal/domain"
	"github.com/amkt/courier/internal/messaging"
)

func testPayload() messaging.Payload {
	return messaging.Payload{
		ReservationID:  "res-1",
		PersonaID:      "persona-1",
		ChannelType:    domain.ChannelTypeSMS,
		ChannelAddress: "+821012345678",
		TraceID:        "trace-1",
	}
}

func TestNewSenderRequiresURL(t *testing.T) {
	_, err := NewSender(Config{})
	assert.Error(t, err)
}

func TestSendSuccess(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message_id":"gw-42"}`))
	}))
	defer srv.Close()

	s, err := NewSender(Config{GatewayURL: srv.URL, AuthKey: "secret"})
	require.NoError(t, err)

	res := s.Send(context.Background(), testPayload())

	assert.True(t, res.Success)
	assert.Equal(t, "gw-42", res.ProviderMessageID)
	assert.Equal(t, "+821012345678", got.To)
	assert.Equal(t, "res-1", got.MessageRef)
	assert.Equal(t, "trace-1", got.TraceID)
}

func TestSendClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		code      string
	}{
		{"server error retries", http.StatusInternalServerError, true, "SMS_GATEWAY_ERROR"},
		{"bad gateway retries", http.StatusBadGateway, true, "SMS_GATEWAY_ERROR"},
		{"rate limit retries", http.StatusTooManyRequests, true, "SMS_RATE_LIMITED"},
		{"bad request is permanent", http.StatusBadRequest, false, "SMS_INVALID_REQUEST"},
		{"unprocessable is permanent", http.StatusUnprocessableEntity, false, "SMS_INVALID_REQUEST"},
		{"unauthorized is permanent", http.StatusUnauthorized, false, "SMS_AUTH_FAILED"},
		{"teapot is permanent", http.StatusTeapot, false, "SMS_UNEXPECTED_STATUS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s, err := NewSender(Config{GatewayURL: srv.URL})
			require.NoError(t, err)

			res := s.Send(context.Background(), testPayload())

			assert.False(t, res.Success)
			assert.Equal(t, tt.retryable, res.Retryable)
			assert.Equal(t, tt.code, res.ErrorCode)
		})
	}
}

func TestSendGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	s, err := NewSender(Config{GatewayURL: srv.URL})
	require.NoError(t, err)

	res := s.Send(context.Background(), testPayload())

	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, "SMS_GATEWAY_UNREACHABLE", res.ErrorCode)
}

func TestSendRateWaitAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s, err := NewSender(Config{GatewayURL: srv.URL, RateLimit: 0.001})
	require.NoError(t, err)

	// First call consumes the single burst token.
	_ = s.Send(context.Background(), testPayload())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := s.Send(ctx, testPayload())

	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, "SMS_RATE_WAIT_ABORTED", res.ErrorCode)
}

func TestTypeIsSMS(t *testing.T) {
	s, err := NewSender(Config{GatewayURL: "http://example.invalid"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelTypeSMS, s.Type())
}
