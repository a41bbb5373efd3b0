package bert

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/model"
)

// BertConfig holds the configuration for the BERT model.
type BertConfig struct {
	VocabSize             int     `yaml:"vocab_size"`
	HiddenSize            int     `yaml:"hidden_size"`
	NumHiddenLayers       int     `yaml:"num_hidden_layers"`
	NumAttentionHeads     int     `yaml:"num_attention_heads"`
	IntermediateSize      int     `yaml:"intermediate_size"`
	MaxPositionEmbeddings int     `yaml:"max_position_embeddings"`
	TypeVocabSize         int     `yaml:"type_vocab_size"`
	HiddenDropout         float64 `yaml:"hidden_dropout_prob"`
}

// DefaultBertTinyConfig returns the configuration for BERT-Tiny.
func DefaultBertTinyConfig() BertConfig {
	return BertConfig{
		VocabSize:             30522,
		HiddenSize:            128,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      512,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		HiddenDropout:         0.1,
	}
}

// BaselineConfig is the smaller encoder the baseline head is trained against:
// six layers and eight heads at the given width, sharing base's vocabulary.
func BaselineConfig(base BertConfig, hidden, ff int) BertConfig {
	cfg := base
	cfg.HiddenSize = hidden
	cfg.IntermediateSize = ff
	cfg.NumHiddenLayers = 6
	cfg.NumAttentionHeads = 8
	return cfg
}

// Validate reports configurations NewBertModel would panic on.
func (c BertConfig) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.NumHiddenLayers < 0:
		return fmt.Errorf("num_hidden_layers must not be negative, got %d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("hidden_size %d not divisible by %d attention heads", c.HiddenSize, c.NumAttentionHeads)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("intermediate_size must be positive, got %d", c.IntermediateSize)
	case c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.TypeVocabSize <= 0:
		return fmt.Errorf("type_vocab_size must be positive, got %d", c.TypeVocabSize)
	}
	return nil
}

// BertModel is the main BERT model structure.
type BertModel struct {
	Config     BertConfig
	Backend    device.Backend
	Embeddings *BertEmbeddings
	Encoder    *BertEncoder
}

// NewBertModel creates a new BERT model with the given configuration.
// Weights are initialized with Xavier/Glorot initialization for sensible defaults
// and are expected to be overwritten by a checkpoint.
func NewBertModel(config BertConfig, env *model.Env) *BertModel {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("NewBertModel: %v", err))
	}
	m := &BertModel{
		Config:     config,
		Backend:    env.Backend,
		Embeddings: NewBertEmbeddings(config, env),
		Encoder:    NewBertEncoder(config, env),
	}
	model.ApplyInit(env, m.Params(), model.InitPolicy{Glorot: true})
	return m
}

// Encode runs the encoder over a padded batch. ids and segs hold batch*seq
// entries in row-major order; mask marks real tokens with 1. The result is the
// last layer's (batch*seq, HiddenSize) token vectors.
func (m *BertModel) Encode(ids, segs []int, mask model.Mask) device.Tensor {
	start := time.Now()
	defer func() {
		encodeDuration.WithLabelValues(m.Backend.Name()).Observe(time.Since(start).Seconds())
	}()

	if len(ids) != mask.Batch*mask.Seq {
		panic(fmt.Sprintf("Encode: %d ids for %dx%d mask", len(ids), mask.Batch, mask.Seq))
	}
	if segs != nil && len(segs) != len(ids) {
		panic(fmt.Sprintf("Encode: %d segment ids for %d tokens", len(segs), len(ids)))
	}
	if mask.Seq > m.Config.MaxPositionEmbeddings {
		panic(fmt.Sprintf("Encode: sequence length %d exceeds %d positions", mask.Seq, m.Config.MaxPositionEmbeddings))
	}

	embeddings := m.Embeddings.Forward(ids, segs, mask.Batch, mask.Seq)
	return m.Encoder.Forward(embeddings, mask)
}

// Params lists every weight under HuggingFace-style names.
func (m *BertModel) Params() *model.ParamSet {
	ps := model.NewParamSet()
	ps.Merge("embeddings", m.Embeddings.Params())
	ps.Merge("encoder", m.Encoder.Params())
	return ps
}

// BertEmbeddings handles word, position, and token type embeddings.
type BertEmbeddings struct {
	Config              BertConfig
	WordEmbeddings      *model.Embedding
	PositionEmbeddings  *model.Embedding
	TokenTypeEmbeddings *model.Embedding
	LayerNorm           *model.LayerNorm
	Dropout             *model.Dropout
}

func NewBertEmbeddings(config BertConfig, env *model.Env) *BertEmbeddings {
	return &BertEmbeddings{
		Config:              config,
		WordEmbeddings:      model.NewEmbedding(env, config.VocabSize, config.HiddenSize),
		PositionEmbeddings:  model.NewEmbedding(env, config.MaxPositionEmbeddings, config.HiddenSize),
		TokenTypeEmbeddings: model.NewEmbedding(env, config.TypeVocabSize, config.HiddenSize),
		LayerNorm:           model.NewLayerNorm(env, config.HiddenSize, 1e-12),
		Dropout:             model.NewDropout(env, config.HiddenDropout),
	}
}

// Forward sums word, position and segment embeddings for every token.
// A nil segs means every token belongs to segment 0.
func (e *BertEmbeddings) Forward(ids, segs []int, batch, seq int) device.Tensor {
	embeddings := e.WordEmbeddings.Forward(ids)

	posIndices := make([]int, len(ids))
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			posIndices[b*seq+t] = t
		}
	}
	embeddings.Add(e.PositionEmbeddings.Forward(posIndices))

	if segs == nil {
		segs = make([]int, len(ids))
	}
	embeddings.Add(e.TokenTypeEmbeddings.Forward(segs))

	output := e.LayerNorm.Forward(embeddings)
	return e.Dropout.Forward(output)
}

func (e *BertEmbeddings) Params() *model.ParamSet {
	ps := model.NewParamSet()
	ps.Merge("word_embeddings", e.WordEmbeddings.Params())
	ps.Merge("position_embeddings", e.PositionEmbeddings.Params())
	ps.Merge("token_type_embeddings", e.TokenTypeEmbeddings.Params())
	ps.Merge("LayerNorm", e.LayerNorm.Params())
	return ps
}

// BertEncoder is a stack of Transformer layers.
type BertEncoder struct {
	Layers  []*BertLayer
	backend device.Backend
}

func NewBertEncoder(config BertConfig, env *model.Env) *BertEncoder {
	layers := make([]*BertLayer, config.NumHiddenLayers)
	for i := range layers {
		layers[i] = NewBertLayer(config, env)
	}
	return &BertEncoder{Layers: layers, backend: env.Backend}
}

func (e *BertEncoder) Forward(hiddenStates device.Tensor, mask model.Mask) device.Tensor {
	hide := mask.Complement()
	for _, layer := range e.Layers {
		next := layer.Forward(hiddenStates, mask.Batch, mask.Seq, hide)
		e.backend.PutTensor(hiddenStates)
		hiddenStates = next
	}
	return hiddenStates
}

func (e *BertEncoder) Params() *model.ParamSet {
	ps := model.NewParamSet()
	for i, layer := range e.Layers {
		ps.Merge(fmt.Sprintf("layer.%d", i), layer.Params())
	}
	return ps
}

// BertLayer is a single post-norm Transformer block.
type BertLayer struct {
	Attention    *BertAttention
	Intermediate *BertIntermediate
	Output       *BertOutput
	backend      device.Backend
}

func NewBertLayer(config BertConfig, env *model.Env) *BertLayer {
	return &BertLayer{
		Attention:    NewBertAttention(config, env),
		Intermediate: NewBertIntermediate(config, env),
		Output:       NewBertOutput(config, env),
		backend:      env.Backend,
	}
}

func (l *BertLayer) Forward(hiddenStates device.Tensor, batch, seq int, hide []float32) device.Tensor {
	attention := l.Attention.Forward(hiddenStates, batch, seq, hide)
	intermediate := l.Intermediate.Forward(attention)
	out := l.Output.Forward(intermediate, attention)
	l.backend.PutTensor(intermediate)
	l.backend.PutTensor(attention)
	return out
}

func (l *BertLayer) Params() *model.ParamSet {
	ps := model.NewParamSet()
	ps.Merge("attention", l.Attention.Params())
	ps.Merge("intermediate", l.Intermediate.Params())
	ps.Merge("output", l.Output.Params())
	return ps
}

// BertAttention handles multi-head self-attention.
type BertAttention struct {
	Self    *BertSelfAttention
	Output  *BertSelfOutput
	backend device.Backend
}

func NewBertAttention(config BertConfig, env *model.Env) *BertAttention {
	return &BertAttention{
		Self:    NewBertSelfAttention(config, env),
		Output:  NewBertSelfOutput(config, env),
		backend: env.Backend,
	}
}

func (a *BertAttention) Forward(hiddenStates device.Tensor, batch, seq int, hide []float32) device.Tensor {
	selfOutput := a.Self.Forward(hiddenStates, batch, seq, hide)
	out := a.Output.Forward(selfOutput, hiddenStates)
	return out
}

func (a *BertAttention) Params() *model.ParamSet {
	ps := model.NewParamSet()
	ps.Merge("self", a.Self.Params())
	ps.Merge("output", a.Output.Params())
	return ps
}

type BertSelfAttention struct {
	Backend           device.Backend
	NumAttentionHeads int
	AttentionHeadSize int

	Query *model.Linear
	Key   *model.Linear
	Value *model.Linear
}

func NewBertSelfAttention(config BertConfig, env *model.Env) *BertSelfAttention {
	return &BertSelfAttention{
		Backend:           env.Backend,
		NumAttentionHeads: config.NumAttentionHeads,
		AttentionHeadSize: config.HiddenSize / config.NumAttentionHeads,
		Query:             model.NewLinear(env, config.HiddenSize, config.HiddenSize, true),
		Key:               model.NewLinear(env, config.HiddenSize, config.HiddenSize, true),
		Value:             model.NewLinear(env, config.HiddenSize, config.HiddenSize, true),
	}
}

// Forward attends within each example; padded keys are excluded via hide.
func (s *BertSelfAttention) Forward(hiddenStates device.Tensor, batch, seq int, hide []float32) device.Tensor {
	queryLayer := s.Query.Forward(hiddenStates)
	keyLayer := s.Key.Forward(hiddenStates)
	valueLayer := s.Value.Forward(hiddenStates)

	scale := float32(1.0 / math.Sqrt(float64(s.AttentionHeadSize)))
	context := queryLayer.Attention(queryLayer, keyLayer, valueLayer, batch, seq, s.NumAttentionHeads, hide, scale)

	s.Backend.PutTensor(queryLayer)
	s.Backend.PutTensor(keyLayer)
	s.Backend.PutTensor(valueLayer)
	return context
}

func (s *BertSelfAttention) Params() *model.ParamSet {
	ps := model.NewParamSet()
	ps.Merge("query", s.Query.Params())
	ps.Merge("key", s.Key.Params())
	ps.Merge("value", s.Value.Params())
	return ps
}

// BertSelfOutput projects the attention context and adds it back to the
// block input before normalizing.
type BertSelfOutput struct {
	Backend   device.Backend
	Dense     *model.Linear
	LayerNorm *model.LayerNorm
	Dropout   *model.Dropout
}

func NewBertSelfOutput(config BertConfig, env *model.Env) *BertSelfOutput {
	return &BertSelfOutput{
		Backend:   env.Backend,
		Dense:     model.NewLinear(env, config.HiddenSize, config.HiddenSize, true),
		LayerNorm: model.NewLayerNorm(env, config.HiddenSize, 1e-12),
		Dropout:   model.NewDropout(env, config.HiddenDropout),
	}
}

// Forward consumes hiddenStates and returns a new tensor.
func (o *BertSelfOutput) Forward(hiddenStates, inputTensor device.Tensor) device.Tensor {
	out := o.Dense.Forward(hiddenStates)
	o.Backend.PutTensor(hiddenStates)
	o.Dropout.Forward(out)
	// Residual connection in-place
	out.Add(inputTensor)
	return o.LayerNorm.Forward(out)
}

func (o *BertSelfOutput) Params() *model.ParamSet {
	ps := model.NewParamSet()
	ps.Merge("dense", o.Dense.Params())
	ps.Merge("LayerNorm", o.LayerNorm.Params())
	return ps
}

type BertIntermediate struct {
	Dense *model.Linear
}

func NewBertIntermediate(config BertConfig, env *model.Env) *BertIntermediate {
	return &BertIntermediate{
		Dense: model.NewLinear(env, config.HiddenSize, config.IntermediateSize, true),
	}
}

func (i *BertIntermediate) Forward(hiddenStates device.Tensor) device.Tensor {
	return hiddenStates.LinearActivation(hiddenStates, i.Dense.Weight, i.Dense.Bias, device.ActivationGELU)
}

func (i *BertIntermediate) Params() *model.ParamSet {
	ps := model.NewParamSet()
	ps.Merge("dense", i.Dense.Params())
	return ps
}

type BertOutput struct {
	Dense     *model.Linear
	LayerNorm *model.LayerNorm
	Dropout   *model.Dropout
}

func NewBertOutput(config BertConfig, env *model.Env) *BertOutput {
	return &BertOutput{
		Dense:     model.NewLinear(env, config.IntermediateSize, config.HiddenSize, true),
		LayerNorm: model.NewLayerNorm(env, config.HiddenSize, 1e-12),
		Dropout:   model.NewDropout(env, config.HiddenDropout),
	}
}

func (o *BertOutput) Forward(hiddenStates, inputTensor device.Tensor) device.Tensor {
	out := o.Dense.Forward(hiddenStates)
	o.Dropout.Forward(out)
	out.Add(inputTensor)
	return o.LayerNorm.Forward(out)
}

func (o *BertOutput) Params() *model.ParamSet {
	ps := model.NewParamSet()
	ps.Merge("dense", o.Dense.Params())
	ps.Merge("LayerNorm", o.LayerNorm.Params())
	return ps
}
