// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	FirstTokenLatency *prometheus.HistogramVec
	TokensProcessed   *prometheus.CounterVec
	CooldownsActive   prometheus.Gauge
	CostUSD           *prometheus.CounterVec
	OAuthRefreshes    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "plexus",
			Name:                           "request_duration_seconds",
			Help:                           "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "plexus",
			Name:                           "upstream_duration_seconds",
			Help:                           "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		FirstTokenLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "plexus",
			Name:                           "first_token_latency_seconds",
			Help:                           "Time from dispatch start to the first streamed token.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"provider", "model"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "model", "type"}),

		CooldownsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "cooldowns_active",
			Help:      "Number of provider or account keys currently on cooldown.",
		}),

		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "cost_usd_total",
			Help:      "Accumulated request cost in USD.",
		}, []string{"provider", "model"}),

		OAuthRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "oauth_refreshes_total",
			Help:      "Total OAuth token refreshes.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FirstTokenLatency,
		m.TokensProcessed,
		m.CooldownsActive,
		m.CostUSD,
		m.OAuthRefreshes,
	)

	return m
}
