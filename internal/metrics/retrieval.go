package metrics

import "github.com/prometheus/client_golang/prometheus"

// Retrieval pipeline Prometheus metrics.
var (
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fusion",
			Name:      "backend_searches_total",
			Help:      "Total backend search calls by engine and outcome",
		},
		[]string{"engine", "status"}, // status: "success" / "timeout" / "unavailable"
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fusion",
			Name:      "backend_search_duration_seconds",
			Help:      "Backend search duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"engine"},
	)

	FuseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fusion",
			Name:      "fuse_duration_seconds",
			Help:      "Fusion duration in seconds by method",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"method"},
	)

	ResultCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fusion",
			Name:      "result_cache_total",
			Help:      "Result cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	InflightSearches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fusion",
			Name:      "inflight_backend_searches",
			Help:      "Backend searches currently executing",
		},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fusion",
			Name:      "queries_total",
			Help:      "Total orchestrated queries by outcome",
		},
		[]string{"status"}, // "success" / "degraded" / "error"
	)
)

var retrievalMetricsRegistered bool

// RegisterRetrievalMetrics registers the retrieval pipeline metrics.
// Must be called once from main.
func RegisterRetrievalMetrics() {
	if retrievalMetricsRegistered {
		return
	}
	prometheus.MustRegister(SearchesTotal)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(FuseDuration)
	prometheus.MustRegister(ResultCacheTotal)
	prometheus.MustRegister(InflightSearches)
	prometheus.MustRegister(QueriesTotal)
	retrievalMetricsRegistered = true
}
