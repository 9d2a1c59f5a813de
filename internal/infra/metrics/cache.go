package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(cacheRequestsTotal, cacheEvictionsTotal) }

var cacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "result_cache_requests_total",
		Help: "Result cache hits and misses per tier.",
	},
	[]string{"tier", "result"}, // tier="memory"|"redis"|"sqlite", result="hit"|"miss"|"error"
)

var cacheEvictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "result_cache_evictions_total",
		Help: "Entries evicted per tier.",
	},
	[]string{"tier"},
)

func IncCacheRequest(tier, result string) {
	cacheRequestsTotal.WithLabelValues(norm(tier), norm(result)).Inc()
}

func IncCacheEviction(tier string) {
	cacheEvictionsTotal.WithLabelValues(norm(tier)).Inc()
}
