package model

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Env is the construction-time context threaded through every layer: the
// device backend tensors live on, the random source used for initialization
// and dropout, and the train/eval phase.
type Env struct {
	Backend device.Backend

	mu       sync.Mutex
	rng      *rand.Rand
	training atomic.Bool
}

// NewEnv creates an Env in eval mode with a deterministic random source.
func NewEnv(backend device.Backend, seed uint64) *Env {
	return &Env{
		Backend: backend,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SetTraining switches every dropout built from this Env.
func (e *Env) SetTraining(on bool) { e.training.Store(on) }

// Training reports whether dropout is active.
func (e *Env) Training() bool { return e.training.Load() }

func (e *Env) uniform(lo, hi float64) float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float32(lo + e.rng.Float64()*(hi-lo))
}

func (e *Env) fillUniform(t device.Tensor, bound float64) {
	r, c := t.Dims()
	data := make([]float32, r*c)
	e.mu.Lock()
	for i := range data {
		data[i] = float32((e.rng.Float64()*2 - 1) * bound)
	}
	e.mu.Unlock()
	t.CopyFromFloat32(data)
}

func (e *Env) fillNormal(t device.Tensor) {
	r, c := t.Dims()
	data := make([]float32, r*c)
	e.mu.Lock()
	for i := range data {
		data[i] = float32(e.rng.NormFloat64())
	}
	e.mu.Unlock()
	t.CopyFromFloat32(data)
}

func fillConst(t device.Tensor, v float32) {
	r, c := t.Dims()
	data := make([]float32, r*c)
	for i := range data {
		data[i] = v
	}
	t.CopyFromFloat32(data)
}
