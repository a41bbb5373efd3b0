package model

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// MultiHeadedAttention runs scaled dot-product attention over HeadCount heads,
// each attending over a disjoint DimPerHead slice of the projections.
type MultiHeadedAttention struct {
	HeadCount  int
	ModelDim   int
	DimPerHead int

	LinearKeys   *Linear
	LinearValues *Linear
	LinearQuery  *Linear
	FinalLinear  *Linear

	backend device.Backend
}

func NewMultiHeadedAttention(env *Env, headCount, modelDim int) *MultiHeadedAttention {
	if headCount <= 0 || modelDim%headCount != 0 {
		panic(fmt.Sprintf("MultiHeadedAttention: model dim %d not divisible by %d heads", modelDim, headCount))
	}
	return &MultiHeadedAttention{
		HeadCount:    headCount,
		ModelDim:     modelDim,
		DimPerHead:   modelDim / headCount,
		LinearKeys:   NewLinear(env, modelDim, modelDim, true),
		LinearValues: NewLinear(env, modelDim, modelDim, true),
		LinearQuery:  NewLinear(env, modelDim, modelDim, true),
		FinalLinear:  NewLinear(env, modelDim, modelDim, true),
		backend:      env.Backend,
	}
}

// Forward attends query rows over key/value rows of the same example.
// hide has one entry per row; 1 excludes that key position.
func (a *MultiHeadedAttention) Forward(key, value, query device.Tensor, batch, seq int, hide []float32) device.Tensor {
	k := a.LinearKeys.Forward(key)
	v := a.LinearValues.Forward(value)
	q := a.LinearQuery.Forward(query)

	scale := float32(1.0 / math.Sqrt(float64(a.DimPerHead)))
	context := q.Attention(q, k, v, batch, seq, a.HeadCount, hide, scale)

	a.backend.PutTensor(k)
	a.backend.PutTensor(v)
	a.backend.PutTensor(q)

	out := a.FinalLinear.Forward(context)
	a.backend.PutTensor(context)
	return out
}

func (a *MultiHeadedAttention) Params() *ParamSet {
	ps := NewParamSet()
	ps.Merge("linear_keys", a.LinearKeys.Params())
	ps.Merge("linear_values", a.LinearValues.Params())
	ps.Merge("linear_query", a.LinearQuery.Params())
	ps.Merge("final_linear", a.FinalLinear.Params())
	return ps
}

// PositionwiseFeedForward is x + W2(dropout(gelu(W1(LayerNorm(x))))), applied
// to every position independently.
type PositionwiseFeedForward struct {
	W1        *Linear
	W2        *Linear
	LayerNorm *LayerNorm

	dropout1 *Dropout
	dropout2 *Dropout
	backend  device.Backend
}

func NewPositionwiseFeedForward(env *Env, dModel, dFF int, dropout float64) *PositionwiseFeedForward {
	return &PositionwiseFeedForward{
		W1:        NewLinear(env, dModel, dFF, true),
		W2:        NewLinear(env, dFF, dModel, true),
		LayerNorm: NewLayerNorm(env, dModel, 1e-6),
		dropout1:  NewDropout(env, dropout),
		dropout2:  NewDropout(env, dropout),
		backend:   env.Backend,
	}
}

// Forward returns a new tensor; x is not modified.
func (f *PositionwiseFeedForward) Forward(x device.Tensor) device.Tensor {
	normed := f.LayerNorm.Normalized(x)
	inter := f.W1.Forward(normed)
	f.backend.PutTensor(normed)

	inter.Gelu()
	f.dropout1.Forward(inter)

	out := f.W2.Forward(inter)
	f.backend.PutTensor(inter)

	f.dropout2.Forward(out)
	out.Add(x)
	return out
}

func (f *PositionwiseFeedForward) Params() *ParamSet {
	ps := NewParamSet()
	ps.Merge("w_1", f.W1.Params())
	ps.Merge("w_2", f.W2.Params())
	ps.Merge("layer_norm", f.LayerNorm.Params())
	return ps
}
