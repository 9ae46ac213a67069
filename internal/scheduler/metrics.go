package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	published = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "scheduler",
		Name:      "published_total",
		Help:      "Reservations claimed and published to the main queue",
	})

	claimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "scheduler",
		Name:      "claim_conflicts_total",
		Help:      "Optimistic-lock losses against concurrent scheduler instances",
	})

	requeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "scheduler",
		Name:      "watchdog_requeued_total",
		Help:      "Stuck PENDING reservations returned to READY by the watchdog",
	})
)

func recordPublished() { published.Inc() }

func recordClaimConflict() { claimConflicts.Inc() }

func recordRequeued(count int64) { requeued.Add(float64(count)) }
