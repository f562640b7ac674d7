package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_ticks_total",
			Help: "Total number of collection ticks by outcome",
		},
		[]string{"status"}, // status: ok/fetch_failed/store_failed
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collector_tick_duration_seconds",
			Help:    "End-to-end duration of a collection tick in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	UpstreamFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_upstream_fetch_total",
			Help: "Total number of management API fetches by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	RestartsDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_proxy_restarts_detected_total",
			Help: "Total number of proxy restarts inferred from negative counter deltas",
		},
	)

	FalseStartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_false_starts_filtered_total",
			Help: "Total number of model/endpoint false starts excluded from daily stats",
		},
	)

	RateLimitConfigsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_ratelimit_configs_total",
			Help: "Total number of rate limit configs processed by result",
		},
		[]string{"result"}, // result: ok/skipped/error
	)

	CredentialSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_credential_sync_total",
			Help: "Total number of credential stats syncs by outcome",
		},
		[]string{"status"},
	)

	PricingRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_pricing_refresh_total",
			Help: "Total number of remote pricing refresh attempts by result",
		},
		[]string{"result"}, // result: ok/error/empty
	)
)
