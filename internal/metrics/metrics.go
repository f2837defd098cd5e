// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	IngestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_total",
		Help: "External events processed, by type and receipt status.",
	}, []string{"type", "status"})

	IngestBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_batches_total",
		Help: "Webhook batches, by outcome.",
	}, []string{"outcome"})

	SeatTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seat_transitions_total",
		Help: "Seat state transitions, by target status.",
	}, []string{"to"})

	SeatsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seats_released_expired_total",
		Help: "Reservations released after their TTL.",
	})

	RoundsFinalized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rounds_finalized_total",
		Help: "Rounds finalized by the round engine.",
	})

	PayoutSubmitErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payout_submit_errors_total",
		Help: "Payout submissions rejected by the chain client.",
	})

	WSConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Open websocket connections.",
	})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		IngestEvents,
		IngestBatches,
		SeatTransitions,
		SeatsReleased,
		RoundsFinalized,
		PayoutSubmitErrors,
		WSConnectionsActive,
		HTTPDuration,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
