package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_longbow_breaker_state",
		Help: "Circuit breaker state for Longbow forwarding (0 closed, 1 open, 2 half-open)",
	})

	forwardedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_longbow_forwarded_total",
		Help: "Result records forwarded to Longbow, by outcome",
	}, []string{"outcome"})
)
