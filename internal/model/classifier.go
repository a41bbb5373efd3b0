package model

import (
	"github.com/23skdu/longbow-quiver/internal/device"
)

// Classifier scores every position independently: sigmoid(xw + b) * mask.
type Classifier struct {
	Linear1 *Linear

	backend device.Backend
}

func NewClassifier(env *Env, hidden int) *Classifier {
	return &Classifier{
		Linear1: NewLinear(env, hidden, 1, true),
		backend: env.Backend,
	}
}

// Forward returns (batch, seq) scores; padded positions score exactly 0.
func (c *Classifier) Forward(x device.Tensor, mask Mask) device.Tensor {
	mask.check(x, c.Linear1.In)

	h := c.Linear1.Forward(x)
	h.Sigmoid()
	h.ScaleRows(mask.Data)

	scores := c.backend.NewTensor(mask.Batch, mask.Seq, h.ToHost())
	c.backend.PutTensor(h)
	return scores
}

func (c *Classifier) Params() *ParamSet {
	ps := NewParamSet()
	ps.Merge("linear1", c.Linear1.Params())
	return ps
}
