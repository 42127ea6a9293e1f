package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "catalog",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "provider_requests_total",
		Help:      "Total upstream page fetches by provider name and result status.",
	}, []string{"provider", "status"})

	ProviderRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "catalog",
		Name:      "provider_request_duration_seconds",
		Help:      "Upstream page fetch duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 8, 15},
	}, []string{"provider"})

	SearchFallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "search_fallbacks_total",
		Help:      "Search responses served by waterfall tier.",
	}, []string{"source"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "live_cache_hits_total",
		Help:      "Total live aggregation response cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "live_cache_misses_total",
		Help:      "Total live aggregation response cache misses.",
	})

	SyncBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "sync_batches_total",
		Help:      "Sync batches processed by source kind and result status.",
	}, []string{"kind", "status"})

	SyncIndexedTitles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "catalog",
		Name:      "sync_indexed_titles",
		Help:      "Total titles currently indexed per source kind.",
	}, []string{"kind"})

	SyncLastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "catalog",
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync per source kind and sync type.",
	}, []string{"kind", "type"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		SearchFallbacksTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		SyncBatchesTotal,
		SyncIndexedTitles,
		SyncLastSuccess,
	)
}
