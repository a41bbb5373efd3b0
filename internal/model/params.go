package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Param is a named learned tensor. Shape is the logical shape; vectors are
// stored as 1xN tensors but report rank 1.
type Param struct {
	Name   string
	Shape  []int
	Tensor device.Tensor

	// Transposed is set for matrices stored (in, out) but exchanged in the
	// conventional (out, in) order.
	Transposed bool
}

// Rank returns the number of logical dimensions.
func (p Param) Rank() int { return len(p.Shape) }

// Size returns the number of scalars.
func (p Param) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// ParamSet is an ordered, name-addressable collection of parameters.
// Registration order is stable and is the order raw weight blobs are read in.
type ParamSet struct {
	params []Param
	index  map[string]int
}

func NewParamSet() *ParamSet {
	return &ParamSet{index: make(map[string]int)}
}

// Add registers t under name. It panics on duplicate names or when shape does
// not describe the tensor.
func (s *ParamSet) Add(name string, t device.Tensor, shape ...int) {
	s.add(Param{Name: name, Shape: shape, Tensor: t})
}

// AddTransposed registers an (in, out) weight under its (out, in) shape.
func (s *ParamSet) AddTransposed(name string, t device.Tensor, out, in int) {
	r, c := t.Dims()
	if r != in || c != out {
		panic(fmt.Sprintf("ParamSet: %dx%d tensor is not the transpose of [%d %d] for %q", r, c, out, in, name))
	}
	s.add(Param{Name: name, Shape: []int{out, in}, Tensor: t, Transposed: true})
}

func (s *ParamSet) add(p Param) {
	if _, dup := s.index[p.Name]; dup {
		panic(fmt.Sprintf("ParamSet: duplicate parameter %q", p.Name))
	}
	r, c := p.Tensor.Dims()
	if p.Size() != r*c {
		panic(fmt.Sprintf("ParamSet: shape %v does not match %dx%d tensor for %q", p.Shape, r, c, p.Name))
	}
	s.index[p.Name] = len(s.params)
	s.params = append(s.params, p)
}

// Merge adds every parameter of other under prefix + ".".
func (s *ParamSet) Merge(prefix string, other *ParamSet) {
	for _, p := range other.params {
		if prefix != "" {
			p.Name = prefix + "." + p.Name
		}
		s.add(p)
	}
}

// All returns the parameters in registration order.
func (s *ParamSet) All() []Param { return s.params }

// Len returns the number of parameters.
func (s *ParamSet) Len() int { return len(s.params) }

// NumScalars returns the total number of learned scalars.
func (s *ParamSet) NumScalars() int {
	n := 0
	for _, p := range s.params {
		n += p.Size()
	}
	return n
}

// Get looks a parameter up by its full name.
func (s *ParamSet) Get(name string) (Param, bool) {
	i, ok := s.index[name]
	if !ok {
		return Param{}, false
	}
	return s.params[i], true
}

// Only returns the subset whose names start with prefix.
func (s *ParamSet) Only(prefix string) *ParamSet {
	out := NewParamSet()
	for _, p := range s.params {
		if strings.HasPrefix(p.Name, prefix) {
			out.add(p)
		}
	}
	return out
}

// Assign overwrites a parameter's values in place. data is in the parameter's
// logical row-major order.
func (s *ParamSet) Assign(name string, data []float32) error {
	p, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if len(data) != p.Size() {
		return fmt.Errorf("parameter %q holds %d values, got %d", name, p.Size(), len(data))
	}
	if p.Transposed {
		data = transpose(data, p.Shape[0], p.Shape[1])
	}
	p.Tensor.CopyFromFloat32(data)
	return nil
}

// Values returns a parameter's values in logical row-major order.
func (p Param) Values() []float32 {
	data := p.Tensor.ToHost()
	if p.Transposed {
		r, c := p.Tensor.Dims()
		data = transpose(data, r, c)
	}
	return data
}

// transpose flips a rows x cols row-major matrix.
func transpose(data []float32, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = data[i*cols+j]
		}
	}
	return out
}

// InitPolicy is the post-construction initialization pass.
// Uniform != 0 re-draws every parameter from U(-Uniform, Uniform); Glorot then
// re-draws every parameter of rank > 1 with Xavier/Glorot uniform bounds.
type InitPolicy struct {
	Uniform float64
	Glorot  bool
}

// ApplyInit runs policy over params using env's random source.
func ApplyInit(env *Env, params *ParamSet, policy InitPolicy) {
	if policy.Uniform != 0 {
		for _, p := range params.All() {
			env.fillUniform(p.Tensor, math.Abs(policy.Uniform))
		}
	}
	if policy.Glorot {
		for _, p := range params.All() {
			if p.Rank() > 1 {
				xavierInit(env, p)
			}
		}
	}
}

// xavierInit fills a parameter with Xavier/Glorot uniform values.
func xavierInit(env *Env, p Param) {
	fanIn, fanOut := fans(p.Shape)
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	env.fillUniform(p.Tensor, limit)
}

// fans treats shape as [out, in, receptive...]; trailing dimensions scale
// both fans.
func fans(shape []int) (fanIn, fanOut int) {
	receptive := 1
	for _, d := range shape[2:] {
		receptive *= d
	}
	return shape[1] * receptive, shape[0] * receptive
}
