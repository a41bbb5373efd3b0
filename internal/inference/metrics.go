package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_batch_duration_seconds",
		Help:    "Time spent running one padded batch through encoder and head",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	examplesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_examples_processed_total",
		Help: "Total number of examples run through the model",
	})

	tokensProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_tokens_processed_total",
		Help: "Total number of unpadded tokens run through the model",
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_cache_hits_total",
		Help: "Examples answered from the result cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_cache_misses_total",
		Help: "Examples that missed the result cache",
	})
)
