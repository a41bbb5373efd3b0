package model

import (
	"math"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Linear is y = xW + b with W stored (in, out).
type Linear struct {
	In, Out int
	Weight  device.Tensor
	Bias    device.Tensor // nil when the layer has no bias
}

// NewLinear builds a Linear layer with the usual U(-1/sqrt(in), 1/sqrt(in)) init.
func NewLinear(env *Env, in, out int, bias bool) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: env.Backend.NewTensor(in, out, nil),
	}
	bound := 1.0 / math.Sqrt(float64(in))
	env.fillUniform(l.Weight, bound)
	if bias {
		l.Bias = env.Backend.NewTensor(1, out, nil)
		env.fillUniform(l.Bias, bound)
	}
	return l
}

// Forward returns a fresh (pooled) tensor holding xW + b.
func (l *Linear) Forward(x device.Tensor) device.Tensor {
	return x.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) Params() *ParamSet {
	ps := NewParamSet()
	ps.AddTransposed("weight", l.Weight, l.Out, l.In)
	if l.Bias != nil {
		ps.Add("bias", l.Bias, l.Out)
	}
	return ps
}

// LayerNorm implements Layer Normalization.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32

	backend device.Backend
}

func NewLayerNorm(env *Env, size int, eps float32) *LayerNorm {
	ln := &LayerNorm{
		Gamma:   env.Backend.NewTensor(1, size, nil),
		Beta:    env.Backend.NewTensor(1, size, nil), // Zeros
		Eps:     eps,
		backend: env.Backend,
	}
	fillConst(ln.Gamma, 1)
	return ln
}

// Forward performs LayerNorm in-place.
// It overwrites input with the normalized result to avoid allocations.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}

// Normalized returns a normalized copy and leaves input untouched.
func (l *LayerNorm) Normalized(input device.Tensor) device.Tensor {
	r, c := input.Dims()
	out := l.backend.GetTensor(r, c)
	out.Copy(input)
	return l.Forward(out)
}

func (l *LayerNorm) Params() *ParamSet {
	_, n := l.Gamma.Dims()
	ps := NewParamSet()
	ps.Add("weight", l.Gamma, n)
	ps.Add("bias", l.Beta, n)
	return ps
}

// Dropout zeroes activations with probability Rate while the Env is training
// and scales survivors by 1/(1-Rate). It is the identity in eval mode.
type Dropout struct {
	Rate float64
	env  *Env
}

func NewDropout(env *Env, rate float64) *Dropout {
	return &Dropout{Rate: rate, env: env}
}

// Forward applies dropout in-place.
func (d *Dropout) Forward(t device.Tensor) device.Tensor {
	if d.Rate <= 0 || !d.env.Training() {
		return t
	}
	data := t.ToHost()
	keep := float32(1.0 / (1.0 - d.Rate))
	for i := range data {
		if float64(d.env.uniform(0, 1)) < d.Rate {
			data[i] = 0
		} else {
			data[i] *= keep
		}
	}
	t.CopyFromFloat32(data)
	return t
}

// Embedding maps indices to rows of a learned table.
type Embedding struct {
	Num, Dim int
	Table    device.Tensor
}

// NewEmbedding builds an embedding table initialized from N(0, 1).
func NewEmbedding(env *Env, num, dim int) *Embedding {
	e := &Embedding{Num: num, Dim: dim, Table: env.Backend.NewTensor(num, dim, nil)}
	env.fillNormal(e.Table)
	return e
}

// Forward gathers one row per index.
func (e *Embedding) Forward(indices []int) device.Tensor {
	return e.Table.Gather(indices)
}

func (e *Embedding) Params() *ParamSet {
	ps := NewParamSet()
	ps.Add("weight", e.Table, e.Num, e.Dim)
	return ps
}
