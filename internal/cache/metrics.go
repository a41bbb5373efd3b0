package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quiver_cache_evictions_total",
	Help: "Cached example scores evicted to stay within capacity",
})
