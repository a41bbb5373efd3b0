package bert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var encodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "quiver_bert_encode_duration_seconds",
	Help:    "Time spent encoding a padded batch",
	Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
}, []string{"device"})
