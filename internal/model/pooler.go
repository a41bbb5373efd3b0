package model

import (
	"github.com/23skdu/longbow-quiver/internal/device"
)

// BertPooler reduces each example to its first position, then applies a dense
// projection and tanh.
type BertPooler struct {
	Dense *Linear

	backend device.Backend
}

func NewBertPooler(env *Env, hidden int) *BertPooler {
	return &BertPooler{Dense: NewLinear(env, hidden, hidden, true), backend: env.Backend}
}

// Forward returns a (batch, hidden) tensor built from row b*seq of x.
func (p *BertPooler) Forward(x device.Tensor, batch, seq int) device.Tensor {
	first := x.Gather(firstRows(batch, seq))
	out := first.LinearActivation(first, p.Dense.Weight, p.Dense.Bias, device.ActivationTanh)
	p.backend.PutTensor(first)
	return out
}

func (p *BertPooler) Params() *ParamSet {
	ps := NewParamSet()
	ps.Merge("dense", p.Dense.Params())
	return ps
}

func firstRows(batch, seq int) []int {
	idx := make([]int, batch)
	for b := range idx {
		idx[b] = b * seq
	}
	return idx
}
