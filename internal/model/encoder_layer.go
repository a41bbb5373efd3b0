package model

import (
	"github.com/23skdu/longbow-quiver/internal/device"
)

// TransformerEncoderLayer is one self-attention + feed-forward block.
//
// The first layer of a stack receives input that its caller has already masked
// and positioned, so it skips the pre-attention normalization every later
// layer applies. The residual always bypasses the normalization.
type TransformerEncoderLayer struct {
	SelfAttn    *MultiHeadedAttention
	FeedForward *PositionwiseFeedForward
	LayerNorm   *LayerNorm

	dropout *Dropout
	backend device.Backend
}

func NewTransformerEncoderLayer(env *Env, dModel, heads, dFF int, dropout float64) *TransformerEncoderLayer {
	return &TransformerEncoderLayer{
		SelfAttn:    NewMultiHeadedAttention(env, heads, dModel),
		FeedForward: NewPositionwiseFeedForward(env, dModel, dFF, dropout),
		LayerNorm:   NewLayerNorm(env, dModel, 1e-6),
		dropout:     NewDropout(env, dropout),
		backend:     env.Backend,
	}
}

// Forward runs the block for layer index iter. inputs is (batch*seq, dModel)
// and is left untouched; hide marks key positions to exclude (1 = masked out).
// The second argument is the query, accepted for call-site symmetry with the
// stack; attention always runs over the (normalized) inputs.
func (l *TransformerEncoderLayer) Forward(iter int, _, inputs device.Tensor, batch, seq int, hide []float32) device.Tensor {
	inputNorm := inputs
	if iter != 0 {
		inputNorm = l.LayerNorm.Normalized(inputs)
	}

	context := l.SelfAttn.Forward(inputNorm, inputNorm, inputNorm, batch, seq, hide)
	if iter != 0 {
		l.backend.PutTensor(inputNorm)
	}

	out := l.dropout.Forward(context)
	out.Add(inputs)

	result := l.FeedForward.Forward(out)
	l.backend.PutTensor(out)
	return result
}

func (l *TransformerEncoderLayer) Params() *ParamSet {
	ps := NewParamSet()
	ps.Merge("self_attn", l.SelfAttn.Params())
	ps.Merge("feed_forward", l.FeedForward.Params())
	ps.Merge("layer_norm", l.LayerNorm.Params())
	return ps
}
