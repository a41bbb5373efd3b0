package model

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// PoolMode selects how TransformerInterEncoder reduces a sequence to one vector.
type PoolMode string

const (
	// PoolFirst keeps the first position and runs it through a BertPooler.
	PoolFirst PoolMode = "pool"
	// PoolMean averages every position, padding included.
	PoolMean PoolMode = "avg"
)

// ParsePoolMode validates a configured pooling mode.
func ParsePoolMode(s string) (PoolMode, error) {
	switch PoolMode(s) {
	case PoolFirst, PoolMean:
		return PoolMode(s), nil
	}
	return "", fmt.Errorf("unknown pool mode %q (want %q or %q)", s, PoolFirst, PoolMean)
}

// TransformerInterEncoder stacks encoder layers over sentence vectors and
// projects the pooled result to NumClasses raw logits.
type TransformerInterEncoder struct {
	DModel     int
	NumClasses int

	PosEmb    *PositionalEncoding
	Layers    []*TransformerEncoderLayer
	LayerNorm *LayerNorm
	Pooler    *BertPooler
	Dense     *Linear

	backend device.Backend
}

func NewTransformerInterEncoder(env *Env, dModel, dFF, heads int, dropout float64, numLayers, numClasses, maxLen int) *TransformerInterEncoder {
	if numLayers < 0 {
		panic(fmt.Sprintf("TransformerInterEncoder: negative layer count %d", numLayers))
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	e := &TransformerInterEncoder{
		DModel:     dModel,
		NumClasses: numClasses,
		PosEmb:     NewPositionalEncoding(env, dropout, dModel, maxLen),
		LayerNorm:  NewLayerNorm(env, dModel, 1e-6),
		Pooler:     NewBertPooler(env, dModel),
		Dense:      NewLinear(env, dModel, numClasses, true),
		backend:    env.Backend,
	}
	for i := 0; i < numLayers; i++ {
		e.Layers = append(e.Layers, NewTransformerEncoderLayer(env, dModel, heads, dFF, dropout))
	}
	return e
}

// Forward maps (batch*seq, DModel) vectors and their validity mask to
// (batch, NumClasses) logits. x is not modified.
func (e *TransformerInterEncoder) Forward(mode PoolMode, x device.Tensor, mask Mask) device.Tensor {
	mask.check(x, e.DModel)
	batch, seq := mask.Batch, mask.Seq

	h := e.backend.GetTensor(batch*seq, e.DModel)
	h.Copy(x)
	h.ScaleRows(mask.Data)
	e.PosEmb.AddTo(h, batch, seq)

	hide := mask.Complement()
	for i, layer := range e.Layers {
		next := layer.Forward(i, h, h, batch, seq, hide)
		e.backend.PutTensor(h)
		h = next
	}
	e.LayerNorm.Forward(h)

	var pooled device.Tensor
	switch mode {
	case PoolFirst:
		pooled = e.Pooler.Forward(h, batch, seq)
	case PoolMean:
		pooled = e.mean(h, batch, seq)
	default:
		panic(fmt.Sprintf("TransformerInterEncoder: unknown pool mode %q", mode))
	}
	e.backend.PutTensor(h)

	logits := e.Dense.Forward(pooled)
	e.backend.PutTensor(pooled)
	return logits
}

// mean averages the seq rows of every example with a single (batch, batch*seq) product.
func (e *TransformerInterEncoder) mean(h device.Tensor, batch, seq int) device.Tensor {
	avg := e.backend.GetTensor(batch, batch*seq)
	inv := float32(1) / float32(seq)
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			avg.Set(b, b*seq+t, inv)
		}
	}
	out := e.backend.GetTensor(batch, e.DModel)
	out.Mul(avg, h)
	e.backend.PutTensor(avg)
	return out
}

func (e *TransformerInterEncoder) Params() *ParamSet {
	ps := NewParamSet()
	for i, layer := range e.Layers {
		ps.Merge(fmt.Sprintf("transformer_inter.%d", i), layer.Params())
	}
	ps.Merge("layer_norm", e.LayerNorm.Params())
	ps.Merge("pooler", e.Pooler.Params())
	ps.Merge("dense", e.Dense.Params())
	return ps
}
