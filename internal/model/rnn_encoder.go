package model

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// ErrInvalidConfig is returned when a head cannot be built from its settings.
var ErrInvalidConfig = errors.New("invalid model config")

// RNNConfig sizes the recurrent head.
type RNNConfig struct {
	Bidirectional bool `yaml:"bidirectional"`
	NumLayers     int  `yaml:"num_layers"`
	HiddenSize    int  `yaml:"hidden_size"` // summed over directions
	TagSize       int  `yaml:"tag_size"`
}

func (c RNNConfig) directions() int {
	if c.Bidirectional {
		return 2
	}
	return 1
}

// Validate reports settings NewRNNEncoder would reject.
func (c RNNConfig) Validate() error {
	switch {
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: rnn num_layers must be positive, got %d", ErrInvalidConfig, c.NumLayers)
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: rnn hidden_size must be positive, got %d", ErrInvalidConfig, c.HiddenSize)
	case c.HiddenSize%c.directions() != 0:
		return fmt.Errorf("%w: rnn hidden_size %d not divisible by %d directions", ErrInvalidConfig, c.HiddenSize, c.directions())
	case c.TagSize <= 0:
		return fmt.Errorf("%w: rnn tag_size must be positive, got %d", ErrInvalidConfig, c.TagSize)
	}
	return nil
}

// RNNEncoder classifies by similarity between an attention-pooled LSTM summary
// and one learned embedding per tag. Its output rows are probabilities.
type RNNEncoder struct {
	Hidden  int // memory bank width, all directions
	TagSize int

	RNN            *LayerNormLSTM
	AttWeight      device.Tensor // (1, Hidden), shared by every example
	RelationEmbeds *Embedding    // (TagSize, Hidden)
	RelationBias   device.Tensor // (1, TagSize)

	backend device.Backend
}

// NewRNNEncoder builds the head over inputSize-wide vectors.
func NewRNNEncoder(env *Env, inputSize int, cfg RNNConfig) (*RNNEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if inputSize <= 0 {
		return nil, fmt.Errorf("%w: rnn input size must be positive, got %d", ErrInvalidConfig, inputSize)
	}

	e := &RNNEncoder{
		Hidden:         cfg.HiddenSize,
		TagSize:        cfg.TagSize,
		RNN:            NewLayerNormLSTM(env, inputSize, cfg.HiddenSize/cfg.directions(), cfg.NumLayers, cfg.Bidirectional),
		AttWeight:      env.Backend.NewTensor(1, cfg.HiddenSize, nil),
		RelationEmbeds: NewEmbedding(env, cfg.TagSize, cfg.HiddenSize),
		RelationBias:   env.Backend.NewTensor(1, cfg.TagSize, nil),
		backend:        env.Backend,
	}
	env.fillNormal(e.AttWeight)
	return e, nil
}

// Forward maps (batch*seq, inputSize) vectors to (batch, TagSize) rows that sum to 1.
// The LSTM runs over padded steps too, but padded steps get zero attention
// weight, so trailing padding does not change a unidirectional result.
func (e *RNNEncoder) Forward(x device.Tensor, mask Mask) device.Tensor {
	mask.check(x, e.RNN.InputSize)
	batch, seq := mask.Batch, mask.Seq

	memory := e.RNN.Run(x, batch, seq)
	pooled := e.attend(memory, mask)
	e.backend.PutTensor(memory)

	scores := e.backend.GetTensor(batch, e.TagSize)
	scores.Mul(pooled, e.RelationEmbeds.Table.T())
	scores.AddBias(e.RelationBias)
	scores.Softmax()
	e.backend.PutTensor(pooled)
	return scores
}

// attend computes tanh(sum_t a_t H_t) per example with a = softmax_t(w . tanh(H_t)).
// Padded steps get no weight.
func (e *RNNEncoder) attend(memory device.Tensor, mask Mask) device.Tensor {
	batch, seq, hidden := mask.Batch, mask.Seq, e.Hidden
	h := memory.Data()
	if h == nil {
		h = memory.ToHost()
	}
	w := e.AttWeight.ToHost()

	pooled := make([]float32, batch*hidden)
	weights := make([]float32, seq)
	m := make([]float32, seq*hidden)
	for b := 0; b < batch; b++ {
		for i, v := range h[b*seq*hidden : (b+1)*seq*hidden] {
			m[i] = simd.Tanh(v)
		}
		simd.MatVecMul(weights, m, w, seq, hidden)
		for t, v := range mask.Row(b) {
			if v == 0 {
				weights[t] = maskedScore
			}
		}
		simd.SoftmaxFast(weights)

		dst := pooled[b*hidden : (b+1)*hidden]
		for t := 0; t < seq; t++ {
			if weights[t] == 0 {
				continue
			}
			simd.VecAddScaled(dst, h[(b*seq+t)*hidden:(b*seq+t+1)*hidden], weights[t])
		}
	}

	out := e.backend.GetTensor(batch, hidden)
	out.CopyFromFloat32(pooled)
	out.Tanh()
	return out
}

func (e *RNNEncoder) Params() *ParamSet {
	ps := NewParamSet()
	ps.Merge("rnn", e.RNN.Params())
	ps.Add("att_weight", e.AttWeight, 1, 1, e.Hidden)
	ps.Merge("relation_embeds", e.RelationEmbeds.Params())
	ps.Add("relation_bias", e.RelationBias, e.TagSize)
	return ps
}
