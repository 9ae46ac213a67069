package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amkt/courier/internal/domain"
	"github.com/amkt/courier/internal/reservation"
)

// mockSender returns a canned result, or panics when told to.
type mockSender struct {
	channelType domain.ChannelType
	result      Result
	panicWith   any
	calls       int
}

func (m *mockSender) Send(_ context.Context, _ Payload) Result {
	m.calls++
	if m.panicWith != nil {
		panic(m.panicWith)
	}
	return m.result
}

func (m *mockSender) Type() domain.ChannelType { return m.channelType }

type publishedDelay struct {
	payload Payload
	delay   time.Duration
}

type publishedDeadLetter struct {
	payload Payload
	reason  string
}

type mockPublisher struct {
	published   []Payload
	delayed     []publishedDelay
	deadLetters []publishedDeadLetter
	publishErr  error
}

func (m *mockPublisher) Publish(_ context.Context, p Payload) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, p)
	return nil
}

func (m *mockPublisher) PublishDelayed(_ context.Context, p Payload, delay time.Duration) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.delayed = append(m.delayed, publishedDelay{payload: p, delay: delay})
	return nil
}

func (m *mockPublisher) PublishDeadLetter(_ context.Context, p Payload, reason string) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.deadLetters = append(m.deadLetters, publishedDeadLetter{payload: p, reason: reason})
	return nil
}

type mockStore struct {
	completed   []string
	failed      []struct {
		id        string
		retryable bool
	}
	completeErr error
	failErr     error
}

func (m *mockStore) Complete(_ context.Context, id string) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockStore) Fail(_ context.Context, id string, retryable bool) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.failed = append(m.failed, struct {
		id        string
		retryable bool
	}{id, retryable})
	return nil
}

type mockStats struct {
	successes int
	failures  int
}

func (m *mockStats) RecordResult(success bool) {
	if success {
		m.successes++
	} else {
		m.failures++
	}
}

func testPayload(retryCount int) Payload {
	return Payload{
		ReservationID:  "res-1",
		PersonaID:      "persona-1",
		ChannelType:    domain.ChannelTypeSMS,
		ChannelAddress: "01012345678",
		RetryCount:     retryCount,
		TraceID:        "trace-1",
		Version:        1,
	}
}

func TestProcessor_Success(t *testing.T) {
	sender := &mockSender{channelType: domain.ChannelTypeSMS, result: Succeeded("SMS-123")}
	publisher := &mockPublisher{}
	store := &mockStore{}
	stats := &mockStats{}

	p := NewProcessor(NewRegistry(sender), store, publisher, stats)
	err := p.Process(context.Background(), testPayload(0))

	require.NoError(t, err)
	assert.Equal(t, []string{"res-1"}, store.completed)
	assert.Empty(t, store.failed)
	assert.Empty(t, publisher.delayed)
	assert.Empty(t, publisher.deadLetters)
	assert.Equal(t, 1, stats.successes)
	assert.Equal(t, 0, stats.failures)
}

func TestProcessor_RetryableFailure_SchedulesWireRetry(t *testing.T) {
	sender := &mockSender{
		channelType: domain.ChannelTypeSMS,
		result:      Failed("SMS_GATEWAY_ERROR", "gateway timeout", true),
	}
	publisher := &mockPublisher{}
	store := &mockStore{}
	stats := &mockStats{}

	p := NewProcessor(NewRegistry(sender), store, publisher, stats)
	err := p.Process(context.Background(), testPayload(0))

	require.NoError(t, err)
	require.Len(t, publisher.delayed, 1)
	assert.Equal(t, 60*time.Second, publisher.delayed[0].delay)
	assert.Equal(t, 1, publisher.delayed[0].payload.RetryCount)
	assert.Equal(t, "trace-1", publisher.delayed[0].payload.TraceID)

	// The domain-level failure transition is applied alongside the wire retry.
	require.Len(t, store.failed, 1)
	assert.Equal(t, "res-1", store.failed[0].id)
	assert.True(t, store.failed[0].retryable)

	assert.Empty(t, publisher.deadLetters)
	assert.Equal(t, 1, stats.failures)
}

func TestProcessor_EscalatingDelays(t *testing.T) {
	tests := []struct {
		retryCount int
		delay      time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
	}

	for _, tt := range tests {
		sender := &mockSender{
			channelType: domain.ChannelTypeSMS,
			result:      Failed("SMS_GATEWAY_ERROR", "gateway timeout", true),
		}
		publisher := &mockPublisher{}
		p := NewProcessor(NewRegistry(sender), &mockStore{}, publisher, &mockStats{})

		require.NoError(t, p.Process(context.Background(), testPayload(tt.retryCount)))
		require.Len(t, publisher.delayed, 1)
		assert.Equal(t, tt.delay, publisher.delayed[0].delay)
		assert.Equal(t, tt.retryCount+1, publisher.delayed[0].payload.RetryCount)
	}
}

func TestProcessor_RetryBudgetExhausted_DeadLetters(t *testing.T) {
	sender := &mockSender{
		channelType: domain.ChannelTypeSMS,
		result:      Failed("SMS_GATEWAY_ERROR", "gateway timeout", true),
	}
	publisher := &mockPublisher{}
	store := &mockStore{}

	p := NewProcessor(NewRegistry(sender), store, publisher, &mockStats{})
	err := p.Process(context.Background(), testPayload(MaxWireRetries))

	require.NoError(t, err)
	assert.Empty(t, publisher.delayed)
	require.Len(t, publisher.deadLetters, 1)
	assert.Contains(t, publisher.deadLetters[0].reason, "retry budget exhausted")

	// Domain transition still applies; with the entity's own budget spent the
	// store leaves the reservation FAILED.
	require.Len(t, store.failed, 1)
	assert.True(t, store.failed[0].retryable)
}

func TestProcessor_NonRetryableFailure_DeadLetters(t *testing.T) {
	sender := &mockSender{
		channelType: domain.ChannelTypeKakao,
		result:      Failed("KAKAO_INVALID_USER", "unknown recipient", false),
	}
	publisher := &mockPublisher{}
	store := &mockStore{}

	p := NewProcessor(NewRegistry(sender), store, publisher, &mockStats{})
	err := p.Process(context.Background(), Payload{
		ReservationID: "res-2",
		ChannelType:   domain.ChannelTypeKakao,
	})

	require.NoError(t, err)
	assert.Empty(t, publisher.delayed)
	require.Len(t, publisher.deadLetters, 1)
	assert.Contains(t, publisher.deadLetters[0].reason, "non-retryable error")

	require.Len(t, store.failed, 1)
	assert.False(t, store.failed[0].retryable)
}

func TestProcessor_NoSenderRegistered(t *testing.T) {
	publisher := &mockPublisher{}
	store := &mockStore{}
	stats := &mockStats{}

	p := NewProcessor(NewRegistry(), store, publisher, stats)
	err := p.Process(context.Background(), testPayload(0))

	require.NoError(t, err)
	require.Len(t, publisher.deadLetters, 1)
	assert.Contains(t, publisher.deadLetters[0].reason, "no sender registered")
	assert.Empty(t, publisher.delayed, "a missing sender must not be retried")

	require.Len(t, store.failed, 1)
	assert.False(t, store.failed[0].retryable)
	assert.Equal(t, 1, stats.failures)
}

func TestProcessor_SenderPanic_TreatedAsRetryable(t *testing.T) {
	sender := &mockSender{channelType: domain.ChannelTypeSMS, panicWith: "boom"}
	publisher := &mockPublisher{}
	store := &mockStore{}

	p := NewProcessor(NewRegistry(sender), store, publisher, &mockStats{})
	err := p.Process(context.Background(), testPayload(0))

	require.NoError(t, err)
	require.Len(t, publisher.delayed, 1)
	assert.Equal(t, 1, publisher.delayed[0].payload.RetryCount)
	require.Len(t, store.failed, 1)
	assert.True(t, store.failed[0].retryable)
}

func TestProcessor_StoreConflictNotEscalated(t *testing.T) {
	sender := &mockSender{channelType: domain.ChannelTypeSMS, result: Succeeded("SMS-1")}
	store := &mockStore{completeErr: domain.ErrStateConflict}

	p := NewProcessor(NewRegistry(sender), store, &mockPublisher{}, &mockStats{})

	// Redelivery after an unacknowledged success: the reservation is already
	// terminal, which is expected under at-least-once delivery.
	assert.NoError(t, p.Process(context.Background(), testPayload(0)))
}

func TestProcessor_StoreInfrastructureErrorSurfaces(t *testing.T) {
	sender := &mockSender{channelType: domain.ChannelTypeSMS, result: Succeeded("SMS-1")}
	store := &mockStore{completeErr: errors.New("connection refused")}

	p := NewProcessor(NewRegistry(sender), store, &mockPublisher{}, &mockStats{})
	assert.Error(t, p.Process(context.Background(), testPayload(0)))
}

func TestProcessor_MissingReservationNotEscalated(t *testing.T) {
	sender := &mockSender{channelType: domain.ChannelTypeSMS, result: Succeeded("SMS-1")}
	store := &mockStore{completeErr: reservation.ErrNotFound}

	p := NewProcessor(NewRegistry(sender), store, &mockPublisher{}, &mockStats{})
	assert.NoError(t, p.Process(context.Background(), testPayload(0)))
}

func TestDelayFor_MonotonicallyNonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := DelayFor(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay for attempt %d regressed", attempt)
		prev = d
	}
	assert.Equal(t, 240*time.Second, DelayFor(5))
}

func TestPayload_WithRetryKeepsSnapshot(t *testing.T) {
	original := testPayload(1)
	retry := original.WithRetry(2)

	assert.Equal(t, 2, retry.RetryCount)
	assert.Equal(t, original.ReservationID, retry.ReservationID)
	assert.Equal(t, original.TraceID, retry.TraceID)
	assert.Equal(t, original.Version, retry.Version)
	assert.Equal(t, 1, original.RetryCount, "payloads are value objects")
}

func TestNewPayload(t *testing.T) {
	r := &domain.Reservation{
		ID:             "res-9",
		PersonaID:      "persona-9",
		ChannelType:    domain.ChannelTypeKakao,
		ChannelAddress: "kakao-user-key",
		RetryCount:     2,
		Version:        7,
	}

	p := NewPayload(r, "trace-9")

	assert.Equal(t, "res-9", p.ReservationID)
	assert.Equal(t, "persona-9", p.PersonaID)
	assert.Equal(t, domain.ChannelTypeKakao, p.ChannelType)
	assert.Equal(t, "kakao-user-key", p.ChannelAddress)
	assert.Equal(t, 2, p.RetryCount)
	assert.Equal(t, "trace-9", p.TraceID)
	assert.Equal(t, int64(7), p.Version)
}
