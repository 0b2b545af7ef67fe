// Package metrics exposes Prometheus instrumentation for the detection
// pipeline. All metrics are low-cardinality (no detection_id/principal labels).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DetectionsTotal counts ingress outcomes by HTTP status class.
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotak_detections_total",
			Help: "Total detection submissions by outcome",
		},
		[]string{"outcome"},
	)

	// GeolocationsTotal counts geolocation results by confidence flag.
	GeolocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotak_geolocations_total",
			Help: "Total geolocation computations by confidence flag",
		},
		[]string{"flag"},
	)

	// PushesTotal counts TAK push attempts by result.
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotak_pushes_total",
			Help: "Total TAK push attempts by result",
		},
		[]string{"result"},
	)

	// PushLatency tracks TAK push round-trip latency.
	PushLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geotak_push_latency_ms",
			Help:    "TAK push latency in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		},
	)

	// QueueDepth is the number of items awaiting delivery.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotak_queue_depth",
			Help: "Queue items in PENDING or IN_FLIGHT state",
		},
	)

	// RateLimitedTotal counts 429 responses by bucket scope.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotak_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// AuthFailuresTotal counts rejected credentials.
	AuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotak_auth_failures_total",
			Help: "Total requests rejected for invalid credentials",
		},
	)

	// TAKServerUp reports the reachability probe result (1=reachable).
	TAKServerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotak_tak_server_up",
			Help: "TAK server reachability (1=reachable, 0=unreachable)",
		},
	)
)
