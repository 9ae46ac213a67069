//go:build integration

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amkt/courier/internal/domain"
	"github.com/amkt/courier/internal/messaging"
	"github.com/amkt/courier/internal/messaging/rabbit"
	reservationpostgres "github.com/amkt/courier/internal/reservation/postgres"
	"github.com/amkt/courier/internal/scheduler"
	"github.com/amkt/courier/internal/sender/sms"
	"github.com/amkt/courier/internal/stats"
)

// captureNotifier records report and dead-letter notifications for assertions.
type captureNotifier struct {
	mu          sync.Mutex
	deadLetters []string // reasons
	reports     [][2]int64
}

func (c *captureNotifier) NotifyReport(_ context.Context, success, failure int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, [2]int64{success, failure})
	return nil
}

func (c *captureNotifier) NotifyDeadLetter(_ context.Context, _ messaging.Payload, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLetters = append(c.deadLetters, reason)
	return nil
}

func (c *captureNotifier) deadLetterReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deadLetters...)
}

// pipeline wires a full dispatch-and-deliver loop against the shared
// containers, with the SMS gateway stubbed by an httptest server.
type pipeline struct {
	repo      *reservationpostgres.Repository
	scheduler *scheduler.Scheduler
	consumer  *rabbit.Consumer
	dlq       *rabbit.DeadLetterHandler
	notifier  *captureNotifier
	recorder  *stats.Recorder
}

func startPipeline(t *testing.T, gatewayURL string) *pipeline {
	t.Helper()
	ctx := context.Background()

	repo := reservationpostgres.NewRepository(testDB)

	smsSender, err := sms.NewSender(sms.Config{GatewayURL: gatewayURL})
	require.NoError(t, err)
	registry := messaging.NewRegistry(smsSender)

	capture := &captureNotifier{}
	recorder := stats.NewRecorder(capture, time.Hour)

	processorPub, err := rabbit.NewPublisher(testBroker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = processorPub.Close() })

	schedulerPub, err := rabbit.NewPublisher(testBroker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = schedulerPub.Close() })

	processor := messaging.NewProcessor(registry, repo, processorPub, recorder)

	consumer := rabbit.NewConsumer(testBroker, processor, rabbit.Config{Prefetch: 8, ConsumerWorkers: 2})
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(consumer.Stop)

	dlq := rabbit.NewDeadLetterHandler(testBroker, capture)
	require.NoError(t, dlq.Start(ctx))
	t.Cleanup(dlq.Stop)

	// Long intervals: tests drive dispatch explicitly via DispatchDue.
	sched := scheduler.New(scheduler.Config{
		Interval:         time.Hour,
		BatchSize:        100,
		WatchdogInterval: time.Hour,
		WatchdogGrace:    10 * time.Minute,
	}, repo, schedulerPub)

	return &pipeline{
		repo:      repo,
		scheduler: sched,
		consumer:  consumer,
		dlq:       dlq,
		notifier:  capture,
		recorder:  recorder,
	}
}

func createReservation(t *testing.T, p *pipeline, channelType domain.ChannelType) *domain.Reservation {
	t.Helper()
	res := &domain.Reservation{
		PersonaID:      "persona-1",
		UserID:         "user-1",
		MessageID:      "message-1",
		ItemID:         "item-1",
		ChannelType:    channelType,
		ChannelAddress: "+821012345678",
		ScheduledAt:    time.Now().Add(-time.Minute),
	}
	require.NoError(t, p.repo.Create(context.Background(), res))
	return res
}

func waitForStatus(t *testing.T, p *pipeline, id string, want domain.ReservationStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		got, err := p.repo.GetByID(context.Background(), id)
		return err == nil && got.Status == want
	}, 15*time.Second, 100*time.Millisecond, "reservation %s did not reach %s", id, want)
}

func TestPipelineDeliversDueReservation(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"gw-1"}`))
	}))
	defer gateway.Close()

	p := startPipeline(t, gateway.URL)
	res := createReservation(t, p, domain.ChannelTypeSMS)

	p.scheduler.DispatchDue(context.Background())

	waitForStatus(t, p, res.ID, domain.StatusCompleted)

	success, _ := p.recorder.Snapshot()
	assert.GreaterOrEqual(t, success, int64(1))
}

func TestPipelineRetryableFailureReentersPool(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer gateway.Close()

	p := startPipeline(t, gateway.URL)
	res := createReservation(t, p, domain.ChannelTypeSMS)

	p.scheduler.DispatchDue(context.Background())

	// Back in the due-time pool five minutes out, retry budget charged.
	waitForStatus(t, p, res.ID, domain.StatusReady)

	got, err := p.repo.GetByID(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.ScheduledAt.After(time.Now()))
}

func TestPipelineNonRetryableFailureIsDeadLettered(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer gateway.Close()

	p := startPipeline(t, gateway.URL)
	res := createReservation(t, p, domain.ChannelTypeSMS)

	p.scheduler.DispatchDue(context.Background())

	waitForStatus(t, p, res.ID, domain.StatusFailed)

	assert.Eventually(t, func() bool {
		for _, reason := range p.notifier.deadLetterReasons() {
			if reason != "" {
				return true
			}
		}
		return false
	}, 15*time.Second, 100*time.Millisecond, "dead letter was not notified")
}

func TestPipelineUnknownChannelIsDeadLettered(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"gw-1"}`))
	}))
	defer gateway.Close()

	// Only the SMS sender is registered.
	p := startPipeline(t, gateway.URL)
	res := createReservation(t, p, domain.ChannelTypeKakao)

	p.scheduler.DispatchDue(context.Background())

	waitForStatus(t, p, res.ID, domain.StatusFailed)
}
