package buildstore

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tapioca_buildstore_cache_hits_total",
		Help: "GetBuild calls served from the in-memory LRU cache.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tapioca_buildstore_cache_misses_total",
		Help: "GetBuild calls that required a bbolt read.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses)
}
