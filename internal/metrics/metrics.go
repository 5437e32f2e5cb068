// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blinktest_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blinktest_http_request_duration_seconds",
			Help:    "Time spent serving HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blinktest_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// result: success/failure
	Publishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blinktest_publishes_total",
			Help: "Self-test publish attempts",
		},
		[]string{"result"},
	)

	// result: success/failure
	Responses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blinktest_responses_total",
			Help: "Participant response submissions",
		},
		[]string{"result"},
	)

	// kind: self/participant
	FlashLoadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blinktest_flash_load_failures_total",
			Help: "Thumbnails that failed to load before a flash",
		},
		[]string{"kind"},
	)

	ActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blinktest_active_flows",
			Help: "Flows currently held in memory",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
