package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier"

var (
	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Delivery attempts by channel type and outcome",
		},
		[]string{"channel_type", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the channel sender",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel_type"},
	)

	deadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "dead_lettered_total",
			Help:      "Payloads routed to the dead-letter queue",
		},
		[]string{"channel_type"},
	)
)

func recordOutcome(channelType, outcome string) {
	messagesProcessed.WithLabelValues(channelType, outcome).Inc()
}

func recordSendDuration(channelType string, d time.Duration) {
	sendDuration.WithLabelValues(channelType).Observe(d.Seconds())
}

func recordDeadLetter(channelType string) {
	deadLettered.WithLabelValues(channelType).Inc()
}
