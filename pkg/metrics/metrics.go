package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hibernator_operations_total",
			Help: "Number of scale operations by direction and classification",
		},
		[]string{"direction", "classification"},
	)
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hibernator_phase_duration_seconds",
			Help:    "Time spent in each scale operation phase",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"direction", "phase"},
	)
	PoolScaleRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hibernator_pool_scale_requests_total",
			Help: "Number of node pool resize requests issued",
		},
		[]string{"pool"},
	)
	PoolScaleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hibernator_pool_scale_failures_total",
			Help: "Number of node pool resizes that failed or timed out",
		},
		[]string{"pool"},
	)
	GracefulEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hibernator_graceful_evictions_total",
			Help: "Number of pods evicted through the eviction API",
		},
	)
	ForcedEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hibernator_forced_evictions_total",
			Help: "Number of pods deleted after the disruption budget force deadline",
		},
	)
	EvictionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hibernator_eviction_failures_total",
			Help: "Number of pods that could not be evicted or deleted",
		},
	)
	RemediatedWebhooks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hibernator_remediated_webhooks_total",
			Help: "Number of orphaned webhook registrations removed",
		},
	)
	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hibernator_operation_in_flight",
		Help: "1 while an operation for the cluster is running",
	}, []string{"cluster", "direction"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
