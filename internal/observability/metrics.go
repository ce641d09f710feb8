package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kenda_dispatch", Name: "rides_created_total", Help: "Total rides created"})

	ClaimsWon       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kenda_dispatch", Name: "claims_won_total", Help: "Claims that bound a driver"})
	ClaimsConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kenda_dispatch", Name: "claims_conflict_total", Help: "Claims lost to another driver or a cancellation"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "kenda_dispatch", Name: "transitions_total", Help: "Ride lifecycle transitions by target status and result"},
		[]string{"to", "result"},
	)

	RelayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "kenda_dispatch", Name: "relay_events_total", Help: "Change feed events fanned out"},
		[]string{"kind"},
	)
	RelayDropsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kenda_dispatch", Name: "relay_drops_total", Help: "Events dropped on slow subscribers"})
	RelaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "kenda_dispatch", Name: "relay_subscribers", Help: "Active change feed subscribers"})

	LocationReports = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kenda_dispatch", Name: "location_reports_total", Help: "Driver location reports accepted"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "kenda_dispatch", Name: "drivers_online", Help: "Drivers currently online"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "kenda_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kenda_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
