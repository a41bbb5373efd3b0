package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// HeadKind names an aggregation head.
type HeadKind string

const (
	HeadClassifier  HeadKind = "classifier"
	HeadTransformer HeadKind = "transformer"
	HeadRNN         HeadKind = "rnn"
	// HeadBaseline is a Classifier over a freshly initialized, smaller encoder.
	HeadBaseline HeadKind = "baseline"
)

// ParseHeadKind validates a configured head name.
func ParseHeadKind(s string) (HeadKind, error) {
	switch HeadKind(s) {
	case HeadClassifier, HeadTransformer, HeadRNN, HeadBaseline:
		return HeadKind(s), nil
	}
	return "", fmt.Errorf("unknown head %q", s)
}

// OutputKind tells downstream consumers how to read a head's output.
type OutputKind int

const (
	// Logits are unnormalized (batch, classes) scores.
	Logits OutputKind = iota
	// Probabilities are (batch, classes) rows that already sum to 1. The rnn
	// head behind them ignores padded positions when pooling over time.
	Probabilities
	// PositionScores are independent per-position sigmoid scores, (batch, seq).
	PositionScores
)

func (k OutputKind) String() string {
	switch k {
	case Logits:
		return "logits"
	case Probabilities:
		return "probabilities"
	case PositionScores:
		return "position_scores"
	}
	return fmt.Sprintf("OutputKind(%d)", int(k))
}

// Head turns per-position vectors into scores.
type Head interface {
	Kind() HeadKind
	Output() OutputKind
	// Forward maps (batch*seq, hidden) vectors and their mask to scores.
	Forward(x device.Tensor, mask Mask) device.Tensor
	Params() *ParamSet
}

// NewHead validates cfg, builds the selected head and applies the configured
// initialization to the head's parameters only.
func NewHead(env *Env, cfg Config) (Head, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, _ := ParseHeadKind(cfg.Head)

	var h Head
	switch kind {
	case HeadClassifier, HeadBaseline:
		h = &classifierHead{kind: kind, Classifier: NewClassifier(env, cfg.HiddenSize)}
	case HeadTransformer:
		mode, _ := ParsePoolMode(cfg.PoolMode)
		h = &transformerHead{
			mode:                    mode,
			TransformerInterEncoder: NewTransformerInterEncoder(env, cfg.HiddenSize, cfg.FFSize, cfg.Heads, cfg.Dropout, cfg.InterLayers, cfg.NumClasses, cfg.MaxLen),
		}
	case HeadRNN:
		enc, err := NewRNNEncoder(env, cfg.HiddenSize, cfg.rnn())
		if err != nil {
			return nil, err
		}
		h = &rnnHead{RNNEncoder: enc}
	}

	ApplyInit(env, h.Params(), cfg.InitPolicy())
	return &timedHead{Head: h, device: env.Backend.Name()}, nil
}

type classifierHead struct {
	kind HeadKind
	*Classifier
}

func (h *classifierHead) Kind() HeadKind     { return h.kind }
func (h *classifierHead) Output() OutputKind { return PositionScores }

type transformerHead struct {
	mode PoolMode
	*TransformerInterEncoder
}

func (h *transformerHead) Kind() HeadKind     { return HeadTransformer }
func (h *transformerHead) Output() OutputKind { return Logits }

func (h *transformerHead) Forward(x device.Tensor, mask Mask) device.Tensor {
	return h.TransformerInterEncoder.Forward(h.mode, x, mask)
}

type rnnHead struct {
	*RNNEncoder
}

func (h *rnnHead) Kind() HeadKind     { return HeadRNN }
func (h *rnnHead) Output() OutputKind { return Probabilities }

// timedHead records forward latency per head kind.
type timedHead struct {
	Head
	device string
}

func (h *timedHead) Forward(x device.Tensor, mask Mask) device.Tensor {
	start := time.Now()
	out := h.Head.Forward(x, mask)
	HeadDuration.WithLabelValues(string(h.Head.Kind()), h.device).Observe(time.Since(start).Seconds())
	return out
}
