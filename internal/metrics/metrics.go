// Package metrics holds the console's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatview_api_requests_total",
			Help: "Total backend API requests",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatview_api_request_duration_seconds",
			Help:    "Backend API request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)

	RateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatview_api_rate_limit_waits_total",
			Help: "Requests delayed by the client-side rate limiter",
		},
	)

	SignOuts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatview_sign_outs_total",
			Help: "Forced sign-outs",
		},
		[]string{"reason"}, // "unauthorized" or "refresh_failed"
	)

	// Live channels
	LiveConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatview_live_connect_attempts_total",
			Help: "Websocket connection attempts",
		},
		[]string{"scope"},
	)

	LiveState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatview_live_state",
			Help: "Current live channel state (0 idle, 1 connecting, 2 connected, 3 disconnected)",
		},
		[]string{"scope"},
	)

	LiveFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatview_live_frames_total",
			Help: "Websocket frames by direction",
		},
		[]string{"scope", "direction"},
	)

	LiveClosures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatview_live_closures_total",
			Help: "Websocket closures by close code",
		},
		[]string{"scope", "code"},
	)

	// Reconcilers
	LiveUpdatesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatview_live_updates_applied_total",
			Help: "Live updates merged into a view",
		},
		[]string{"view"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
