package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i, v := range want {
		if math.Abs(float64(got[i]-v)) > tol {
			t.Errorf("mismatch at %d: got %f, want %f", i, got[i], v)
		}
	}
}

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("Add", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		b := backend.NewTensor(2, 2, []float32{10, 20, 30, 40})

		a.Add(b)

		assertClose(t, []float32{11, 22, 33, 44}, a.ToHost(), 1e-6)
	})

	t.Run("Mul", func(t *testing.T) {
		// A: 2x3, B: 3x2 -> C: 2x2
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := backend.NewTensor(3, 2, []float32{
			7, 8,
			9, 10,
			11, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, b)

		assertClose(t, []float32{58, 64, 139, 154}, c.ToHost(), 1e-4)
	})

	t.Run("MulTransposed", func(t *testing.T) {
		// A * A^T for A = [[1,2],[3,4]]
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, a.T())

		assertClose(t, []float32{5, 11, 11, 25}, c.ToHost(), 1e-4)
	})

	t.Run("Scale", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		a.Scale(2.0)

		assertClose(t, []float32{2, 4, 6, 8}, a.ToHost(), 1e-6)
	})

	t.Run("ScaleRows", func(t *testing.T) {
		a := backend.NewTensor(3, 2, []float32{1, 2, 3, 4, 5, 6})
		a.ScaleRows([]float32{1, 0, 2})

		assertClose(t, []float32{1, 2, 0, 0, 10, 12}, a.ToHost(), 1e-6)
	})

	t.Run("AddBias", func(t *testing.T) {
		a := backend.NewTensor(2, 3, nil)
		bias := backend.NewTensor(1, 3, []float32{1, 2, 3})
		a.AddBias(bias)

		assertClose(t, []float32{1, 2, 3, 1, 2, 3}, a.ToHost(), 1e-6)
	})

	t.Run("LayerNorm", func(t *testing.T) {
		a := backend.NewTensor(1, 4, []float32{1, 2, 3, 4})
		gamma := backend.NewTensor(1, 4, []float32{1, 1, 1, 1})
		beta := backend.NewTensor(1, 4, []float32{0, 0, 0, 0})

		// Mean = 2.5, Variance = 1.25, StdDev ≈ 1.11803
		a.LayerNorm(gamma, beta, 1e-12)

		assertClose(t, []float32{-1.3416407, -0.4472136, 0.4472136, 1.3416407}, a.ToHost(), 1e-5)
	})

	t.Run("Gather", func(t *testing.T) {
		a := backend.NewTensor(3, 2, []float32{1, 2, 3, 4, 5, 6})
		g := a.Gather([]int{2, 0, 2})

		r, c := g.Dims()
		assert.Equal(t, 3, r)
		assert.Equal(t, 2, c)
		assertClose(t, []float32{5, 6, 1, 2, 5, 6}, g.ToHost(), 0)
	})

	t.Run("GatherOutOfRange", func(t *testing.T) {
		a := backend.NewTensor(3, 2, nil)
		assert.Panics(t, func() { a.Gather([]int{3}) })
	})

	t.Run("MulShapeMismatch", func(t *testing.T) {
		a := backend.NewTensor(2, 3, nil)
		b := backend.NewTensor(2, 3, nil)
		c := backend.NewTensor(2, 3, nil)
		assert.Panics(t, func() { c.Mul(a, b) })
	})

	t.Run("Sigmoid", func(t *testing.T) {
		a := backend.NewTensor(1, 3, []float32{-100, 0, 100})
		a.Sigmoid()

		assertClose(t, []float32{0, 0.5, 1}, a.ToHost(), 1e-6)
	})

	t.Run("ExtractTo", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		dst := make([][]float32, 3)
		a.ExtractTo(dst, 1)

		assert.Nil(t, dst[0])
		assert.Equal(t, []float32{1, 2}, dst[1])
		assert.Equal(t, []float32{3, 4}, dst[2])
	})

	t.Run("Pooling", func(t *testing.T) {
		t1 := backend.GetTensor(10, 10)
		t1.Set(0, 0, 123)
		backend.PutTensor(t1)

		t2 := backend.GetTensor(10, 10)
		if val := t2.At(0, 0); val != 0 {
			t.Errorf("Pooled tensor not zeroed: got %f", val)
		}
	})
}
