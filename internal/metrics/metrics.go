package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "framebufd"

	MetricFramesBuffered = "frames_buffered"
	MetricFetches        = "fetches_total"
	MetricCacheHits      = "cache_hits_total"
	MetricCacheMisses    = "cache_misses_total"
	MetricCacheEvictions = "cache_evictions_total"

	ResultOK    = "ok"
	ResultError = "error"
)

var GaugeFramesBuffered = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricFramesBuffered,
		Help:      "Frames fetched and still buffered per source, in-flight reservations excluded.",
	},
	[]string{"source"},
)

var CounterFetches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricFetches,
		Help:      "Upstream frame window fetches by outcome.",
	},
	[]string{"source", "result"},
)

var CounterCacheHits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCacheHits,
		Help:      "Frame cache lookups that found the frame.",
	},
)

var CounterCacheMisses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCacheMisses,
		Help:      "Frame cache lookups that did not find the frame.",
	},
)

var CounterCacheEvictions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCacheEvictions,
		Help:      "Frames evicted from the cache to stay within capacity.",
	},
)

func init() {
	prometheus.MustRegister(GaugeFramesBuffered)
	prometheus.MustRegister(CounterFetches)
	prometheus.MustRegister(CounterCacheHits)
	prometheus.MustRegister(CounterCacheMisses)
	prometheus.MustRegister(CounterCacheEvictions)
}
