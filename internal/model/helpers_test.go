package model

import (
	"math/rand/v2"
	"testing"

	"github.com/23skdu/longbow-quiver/internal/device"
)

func newTestEnv(t testing.TB) *Env {
	t.Helper()
	return NewEnv(device.NewCPUBackend(), 42)
}

func randomTensor(env *Env, rows, cols int, seed uint64) device.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(rng.Float64()*2 - 1)
	}
	return env.Backend.NewTensor(rows, cols, data)
}

func rowSums(t device.Tensor) []float64 {
	r, c := t.Dims()
	sums := make([]float64, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sums[i] += float64(t.At(i, j))
		}
	}
	return sums
}
