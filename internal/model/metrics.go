package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeadDuration tracks time spent in a head's forward pass.
	HeadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_head_forward_duration_seconds",
		Help:    "Time spent in the aggregation head forward pass",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"head", "device"})
)
