package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_cpu_pool_hits_total",
		Help: "Total number of tensor buffers reused from the CPU pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_cpu_pool_misses_total",
		Help: "Total number of CPU pool misses (fresh allocations)",
	})

	gemmCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_cpu_gemm_calls_total",
		Help: "Total number of BLAS sgemm dispatches",
	})
)
