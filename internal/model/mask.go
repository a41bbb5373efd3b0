package model

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// maskedScore is the logit given to positions excluded from a softmax.
const maskedScore = -1e18

// Mask marks valid positions of a (batch, seq) grid with 1 and padding with 0.
type Mask struct {
	Batch int
	Seq   int
	Data  []float32
}

// NewMask wraps data, panicking when it does not cover batch*seq positions.
func NewMask(batch, seq int, data []float32) Mask {
	if len(data) != batch*seq {
		panic(fmt.Sprintf("mask: %d values for %dx%d", len(data), batch, seq))
	}
	return Mask{Batch: batch, Seq: seq, Data: data}
}

// FullMask marks every position valid.
func FullMask(batch, seq int) Mask {
	data := make([]float32, batch*seq)
	for i := range data {
		data[i] = 1
	}
	return Mask{Batch: batch, Seq: seq, Data: data}
}

// Complement returns 1 - mask, the "1 = masked out" form attention expects.
func (m Mask) Complement() []float32 {
	out := make([]float32, len(m.Data))
	for i, v := range m.Data {
		out[i] = 1 - v
	}
	return out
}

// Row returns the mask of example b.
func (m Mask) Row(b int) []float32 {
	return m.Data[b*m.Seq : (b+1)*m.Seq]
}

// Valid reports how many positions of example b are unmasked.
func (m Mask) Valid(b int) int {
	n := 0
	for _, v := range m.Row(b) {
		if v != 0 {
			n++
		}
	}
	return n
}

// check panics unless x is a (batch*seq, hidden) tensor matching the mask.
func (m Mask) check(x device.Tensor, hidden int) {
	r, c := x.Dims()
	if r != m.Batch*m.Seq || len(m.Data) != r {
		panic(fmt.Sprintf("mask %dx%d (%d values) does not match %d token rows", m.Batch, m.Seq, len(m.Data), r))
	}
	if hidden > 0 && c != hidden {
		panic(fmt.Sprintf("token vectors have width %d, want %d", c, hidden))
	}
}
