package model

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// lstmNormEps matches the default LayerNorm epsilon of the recurrent cells.
const lstmNormEps = 1e-5

// LayerNormLSTMCell is an LSTM cell with layer normalization on both gate
// projections and on the cell state:
//
//	gates = LN_ih(x W_ih + b_ih) + LN_hh(h W_hh + b_hh)   // [i f o | g]
//	c'    = sigmoid(f)*c + sigmoid(i)*tanh(g)
//	h'    = sigmoid(o) * tanh(LN_ho(c'))
type LayerNormLSTMCell struct {
	InputSize  int
	HiddenSize int

	IH   *Linear
	HH   *Linear
	LNIH *LayerNorm
	LNHH *LayerNorm
	LNHO *LayerNorm

	backend device.Backend
}

func NewLayerNormLSTMCell(env *Env, inputSize, hiddenSize int) *LayerNormLSTMCell {
	return &LayerNormLSTMCell{
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		IH:         NewLinear(env, inputSize, 4*hiddenSize, true),
		HH:         NewLinear(env, hiddenSize, 4*hiddenSize, true),
		LNIH:       NewLayerNorm(env, 4*hiddenSize, lstmNormEps),
		LNHH:       NewLayerNorm(env, 4*hiddenSize, lstmNormEps),
		LNHO:       NewLayerNorm(env, hiddenSize, lstmNormEps),
		backend:    env.Backend,
	}
}

// inputGates projects and normalizes every row of x at once; the input half of
// the gates does not depend on the recurrence.
func (c *LayerNormLSTMCell) inputGates(x device.Tensor) device.Tensor {
	return c.LNIH.Forward(c.IH.Forward(x))
}

// Step advances one time step. xGates is the (batch, 4H) output of inputGates
// for this step; h and cell are (batch, H) and are overwritten in place.
func (c *LayerNormLSTMCell) Step(xGates, h, cell device.Tensor) {
	gates := c.LNHH.Forward(c.HH.Forward(h))
	gates.Add(xGates)

	hs := c.HiddenSize
	g := gates.ToHost()
	cs := cell.ToHost()
	rows := len(cs) / hs
	for r := 0; r < rows; r++ {
		row := g[r*4*hs : (r+1)*4*hs]
		for j := 0; j < hs; j++ {
			i := simd.Sigmoid(row[j])
			f := simd.Sigmoid(row[hs+j])
			cand := simd.Tanh(row[3*hs+j])
			cs[r*hs+j] = f*cs[r*hs+j] + i*cand
		}
	}
	cell.CopyFromFloat32(cs)

	normed := c.LNHO.Normalized(cell)
	normed.Tanh()
	hn := normed.ToHost()
	for r := 0; r < rows; r++ {
		row := g[r*4*hs : (r+1)*4*hs]
		for j := 0; j < hs; j++ {
			hn[r*hs+j] *= simd.Sigmoid(row[2*hs+j])
		}
	}
	h.CopyFromFloat32(hn)

	c.backend.PutTensor(normed)
	c.backend.PutTensor(gates)
}

func (c *LayerNormLSTMCell) Params() *ParamSet {
	ps := NewParamSet()
	ps.AddTransposed("weight_ih", c.IH.Weight, 4*c.HiddenSize, c.InputSize)
	ps.AddTransposed("weight_hh", c.HH.Weight, 4*c.HiddenSize, c.HiddenSize)
	ps.Add("bias_ih", c.IH.Bias, 4*c.HiddenSize)
	ps.Add("bias_hh", c.HH.Bias, 4*c.HiddenSize)
	ps.Merge("ln_ih", c.LNIH.Params())
	ps.Merge("ln_hh", c.LNHH.Params())
	ps.Merge("ln_ho", c.LNHO.Params())
	return ps
}

// LayerNormLSTM is a multi-layer, optionally bidirectional stack of
// LayerNormLSTMCells. Each layer's output is the per-step concatenation of its
// directions and feeds the next layer.
type LayerNormLSTM struct {
	InputSize     int
	HiddenSize    int // per direction
	NumLayers     int
	Bidirectional bool

	// Cells[layer][direction]
	Cells [][]*LayerNormLSTMCell

	backend device.Backend
}

func NewLayerNormLSTM(env *Env, inputSize, hiddenSize, numLayers int, bidirectional bool) *LayerNormLSTM {
	if numLayers <= 0 {
		panic(fmt.Sprintf("LayerNormLSTM: need at least one layer, got %d", numLayers))
	}
	l := &LayerNormLSTM{
		InputSize:     inputSize,
		HiddenSize:    hiddenSize,
		NumLayers:     numLayers,
		Bidirectional: bidirectional,
		backend:       env.Backend,
	}
	in := inputSize
	for layer := 0; layer < numLayers; layer++ {
		cells := []*LayerNormLSTMCell{NewLayerNormLSTMCell(env, in, hiddenSize)}
		if bidirectional {
			cells = append(cells, NewLayerNormLSTMCell(env, in, hiddenSize))
		}
		l.Cells = append(l.Cells, cells)
		in = l.OutputSize()
	}
	return l
}

// OutputSize is the width of every output step.
func (l *LayerNormLSTM) OutputSize() int {
	if l.Bidirectional {
		return 2 * l.HiddenSize
	}
	return l.HiddenSize
}

// Run consumes x of shape (batch*seq, InputSize) and returns the memory bank of
// the last layer, (batch*seq, OutputSize), in the same row layout. States
// start at zero for every example.
func (l *LayerNormLSTM) Run(x device.Tensor, batch, seq int) device.Tensor {
	r, c := x.Dims()
	if r != batch*seq || c != l.InputSize {
		panic(fmt.Sprintf("LayerNormLSTM: input %dx%d, want %dx%d", r, c, batch*seq, l.InputSize))
	}

	in := x
	for layer, cells := range l.Cells {
		out := l.backend.GetTensor(batch*seq, l.OutputSize())
		for dir, cell := range cells {
			l.runDirection(cell, in, out, batch, seq, dir == 1, dir*l.HiddenSize)
		}
		if layer > 0 {
			l.backend.PutTensor(in)
		}
		in = out
	}
	return in
}

func (l *LayerNormLSTM) runDirection(cell *LayerNormLSTMCell, in, out device.Tensor, batch, seq int, reverse bool, offset int) {
	xGates := cell.inputGates(in)
	h := l.backend.GetTensor(batch, l.HiddenSize)
	state := l.backend.GetTensor(batch, l.HiddenSize)

	rows := make([]int, batch)
	for step := 0; step < seq; step++ {
		t := step
		if reverse {
			t = seq - 1 - step
		}
		for b := range rows {
			rows[b] = b*seq + t
		}
		stepGates := xGates.Gather(rows)
		cell.Step(stepGates, h, state)
		l.backend.PutTensor(stepGates)
		for b, row := range rows {
			for j := 0; j < l.HiddenSize; j++ {
				out.Set(row, offset+j, h.At(b, j))
			}
		}
	}

	l.backend.PutTensor(xGates)
	l.backend.PutTensor(h)
	l.backend.PutTensor(state)
}

func (l *LayerNormLSTM) Params() *ParamSet {
	ps := NewParamSet()
	for layer, cells := range l.Cells {
		for dir, cell := range cells {
			name := fmt.Sprintf("layers.%d", layer)
			if dir == 1 {
				name += "_reverse"
			}
			ps.Merge(name, cell.Params())
		}
	}
	return ps
}
