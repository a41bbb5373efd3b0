package model

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// DefaultMaxLen is the number of positions precomputed when none is configured.
const DefaultMaxLen = 5000

// PositionalEncoding holds the fixed sinusoidal table
//
//	PE(pos, 2i)   = sin(pos / 10000^(2i/d))
//	PE(pos, 2i+1) = cos(pos / 10000^(2i/d))
//
// The table is computed once and only read afterwards, so one instance may be
// shared by concurrent forward passes.
type PositionalEncoding struct {
	Dim    int
	MaxLen int

	table   []float32 // MaxLen x Dim, row-major
	dropout *Dropout
	backend device.Backend
}

// NewPositionalEncoding precomputes maxLen positions of width dim.
// dim must be even and positive.
func NewPositionalEncoding(env *Env, dropout float64, dim, maxLen int) *PositionalEncoding {
	if dim <= 0 || dim%2 != 0 {
		panic(fmt.Sprintf("PositionalEncoding: dim must be positive and even, got %d", dim))
	}
	if maxLen <= 0 {
		panic(fmt.Sprintf("PositionalEncoding: maxLen must be positive, got %d", maxLen))
	}

	return &PositionalEncoding{
		Dim:     dim,
		MaxLen:  maxLen,
		table:   sinusoidTable(dim, maxLen),
		dropout: NewDropout(env, dropout),
		backend: env.Backend,
	}
}

func sinusoidTable(dim, maxLen int) []float32 {
	table := make([]float32, maxLen*dim)
	for i := 0; i < dim/2; i++ {
		divTerm := math.Exp(float64(2*i) * -(math.Log(10000.0) / float64(dim)))
		for pos := 0; pos < maxLen; pos++ {
			angle := float64(pos) * divTerm
			table[pos*dim+2*i] = float32(math.Sin(angle))
			table[pos*dim+2*i+1] = float32(math.Cos(angle))
		}
	}
	return table
}

// At returns PE[pos, i].
func (p *PositionalEncoding) At(pos, i int) float32 {
	return p.table[pos*p.Dim+i]
}

// Emb returns the raw (seqLen, Dim) slice of the table, without scaling or dropout.
func (p *PositionalEncoding) Emb(seqLen int) device.Tensor {
	p.checkLen(seqLen)
	return p.backend.NewTensor(seqLen, p.Dim, p.table[:seqLen*p.Dim])
}

// Forward returns x*sqrt(Dim) + PE[:seq] with dropout applied.
// x is (batch*seq, Dim); the table slice is broadcast over the batch.
func (p *PositionalEncoding) Forward(x device.Tensor, batch, seq int) device.Tensor {
	out := p.scaled(x)
	out.Add(p.tiled(batch, seq))
	return p.dropout.Forward(out)
}

// ForwardStep returns x*sqrt(Dim) + PE[step] on every row, for incremental decoding.
func (p *PositionalEncoding) ForwardStep(x device.Tensor, step int) device.Tensor {
	if step < 0 || step >= p.MaxLen {
		panic(fmt.Sprintf("PositionalEncoding: step %d outside [0,%d)", step, p.MaxLen))
	}
	out := p.scaled(x)
	out.AddBias(p.backend.NewTensor(1, p.Dim, p.table[step*p.Dim:(step+1)*p.Dim]))
	return p.dropout.Forward(out)
}

// AddTo adds PE[:seq] to x in place with no scaling and no dropout.
func (p *PositionalEncoding) AddTo(x device.Tensor, batch, seq int) {
	x.Add(p.tiled(batch, seq))
}

func (p *PositionalEncoding) scaled(x device.Tensor) device.Tensor {
	r, c := x.Dims()
	if c != p.Dim {
		panic(fmt.Sprintf("PositionalEncoding: input width %d, want %d", c, p.Dim))
	}
	out := p.backend.GetTensor(r, c)
	out.Copy(x)
	out.Scale(float32(math.Sqrt(float64(p.Dim))))
	return out
}

// tiled repeats PE[:seq] once per batch element.
func (p *PositionalEncoding) tiled(batch, seq int) device.Tensor {
	p.checkLen(seq)
	slice := p.table[:seq*p.Dim]
	data := make([]float32, 0, batch*len(slice))
	for b := 0; b < batch; b++ {
		data = append(data, slice...)
	}
	return p.backend.NewTensor(batch*seq, p.Dim, data)
}

func (p *PositionalEncoding) checkLen(seq int) {
	if seq < 0 || seq > p.MaxLen {
		panic(fmt.Sprintf("PositionalEncoding: sequence length %d exceeds max length %d", seq, p.MaxLen))
	}
}
