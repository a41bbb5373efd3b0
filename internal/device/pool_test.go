package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPU_PoolMetrics(t *testing.T) {
	backend := NewCPUBackend()

	// metrics are global, so we track deltas
	startHits := getMetricValue(poolHits)
	startMisses := getMetricValue(poolMisses)

	t1 := backend.GetTensor(4, 4)
	assert.Equal(t, 1.0, getMetricValue(poolMisses)-startMisses, "fresh pool must miss")

	backend.PutTensor(t1)

	// sync.Pool may drop entries at any GC, so a hit is likely but not guaranteed.
	t2 := backend.GetTensor(4, 4)
	hits := getMetricValue(poolHits) - startHits
	misses := getMetricValue(poolMisses) - startMisses
	assert.Equal(t, 2.0, hits+misses)

	backend.PutTensor(t2)
}

func TestCPU_PutTensorIgnoresViews(t *testing.T) {
	backend := NewCPUBackend()
	base := backend.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})

	backend.PutTensor(base.T())

	// The parent must remain intact: the view was not recycled.
	fresh := backend.GetTensor(2, 3)
	fresh.Set(0, 0, 42)
	assert.Equal(t, float32(1), base.At(0, 0))
}
