package device

import (
	"math"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-quiver/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// maskedScore is the value masked attention logits are filled with.
const maskedScore = -1e18

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			log.Panic().Msgf("NewTensor: data length %d does not match %dx%d", len(data), r, c)
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		poolMisses.Inc()
		ct = &CPUTensor{}
	} else {
		poolHits.Inc()
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		ct.data = make([]float32, size)
	} else {
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil {
		return // Don't pool foreign tensors
	}
	// Transposed views share storage with their parent; pooling them would alias.
	if ct.trans {
		return
	}

	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	rows, cols := t.Dims()
	out := make([]float32, rows*cols)
	if !t.trans {
		copy(out, t.data)
		return out
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = t.At(i, j)
		}
	}
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panic().Msgf("CopyFromFloat32: size mismatch %d != %d", len(data), len(t.data))
	}
	if t.trans {
		rows, cols := t.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				t.Set(i, j, data[i*cols+j])
			}
		}
		return
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft := mustCPU(from, "Copy")

	tr, tc := t.Dims()
	fr, fc := ft.Dims()
	if tr != fr || tc != fc {
		log.Panic().Msgf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		copy(t.data, ft.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, ft.At(i, j))
		}
	}
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j
	rows, cols := t.Dims()
	if sliceRows <= 0 || sliceCols <= 0 || i < 0 || j < 0 || k > rows || l > cols {
		log.Panic().Msgf("Slice: invalid range [%d:%d, %d:%d] of %dx%d", i, k, j, l, rows, cols)
	}

	// This is a copy, not a view.
	out := t.backend.NewTensor(sliceRows, sliceCols, nil).(*CPUTensor)
	if !t.trans {
		for r := 0; r < sliceRows; r++ {
			src := (i+r)*t.cols + j
			copy(out.data[r*sliceCols:(r+1)*sliceCols], t.data[src:src+sliceCols])
		}
		return out
	}
	for r := 0; r < sliceRows; r++ {
		for c := 0; c < sliceCols; c++ {
			out.Set(r, c, t.At(i+r, j+c))
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
	}
}

// general exposes the physical layout to BLAS together with the op flag
// that recovers the logical matrix.
func (t *CPUTensor) general() (blas32.General, blas.Transpose) {
	g := blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
	if t.trans {
		return g, blas.Trans
	}
	return g, blas.NoTrans
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma := mustCPU(a, "Mul")
	mb := mustCPU(b, "Mul")

	ar, ac := ma.Dims()
	br, bc := mb.Dims()
	if ac != br {
		log.Panic().Msgf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panic().Msgf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}
	if t.trans {
		log.Panic().Msg("Mul: cannot write into a transposed view")
	}

	ga, ta := ma.general()
	gb, tb := mb.general()
	gc, _ := t.general()
	gemmCalls.Inc()
	blas32.Gemm(ta, tb, 1, ga, gb, 0, gc)
}

func (t *CPUTensor) Add(other Tensor) {
	ot := mustCPU(other, "Add")

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panic().Msgf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, t.At(i, j)+ot.At(i, j))
		}
	}
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt := mustCPU(bias, "AddBias")

	r, c := t.Dims()
	br, bc := bt.Dims()
	if br*bc != c || (br != 1 && bc != 1) {
		log.Panic().Msgf("AddBias: bias %dx%d does not match %d columns", br, bc, c)
	}
	if t.trans {
		log.Panic().Msg("AddBias not supported on transposed tensor views directly")
	}

	// Both 1xN and Nx1 biases are contiguous in memory.
	biasData := bt.data
	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], biasData)
	}
}

func (t *CPUTensor) Scale(val float32) {
	simd.VecScale(t.data, val)
}

func (t *CPUTensor) ScaleRows(scales []float32) {
	r, c := t.Dims()
	if len(scales) != r {
		log.Panic().Msgf("ScaleRows: %d scales for %d rows", len(scales), r)
	}
	if t.trans {
		log.Panic().Msg("ScaleRows not supported on transposed tensor views directly")
	}
	for i, s := range scales {
		if s == 1 {
			continue
		}
		simd.VecScale(t.data[i*c:(i+1)*c], s)
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	out := t.backend.NewTensor(len(indices), c, nil).(*CPUTensor)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panic().Msgf("Gather: index %d out of bounds [0,%d)", idx, r)
		}
		if t.trans {
			for j := 0; j < c; j++ {
				out.data[i*c+j] = t.At(idx, j)
			}
			continue
		}
		copy(out.data[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
	}

	return out
}

func (t *CPUTensor) Softmax() {
	if t.trans {
		log.Panic().Msg("Softmax not supported on transposed tensor views directly")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		simd.SoftmaxFast(t.data[i*c : (i+1)*c])
	}
}

func (t *CPUTensor) Gelu() {
	if t.trans {
		log.Panic().Msg("Gelu not supported on transposed tensor views directly")
	}
	simd.GeluFast(t.data)
}

func (t *CPUTensor) Tanh() {
	if t.trans {
		log.Panic().Msg("Tanh not supported on transposed tensor views directly")
	}
	for i, v := range t.data {
		t.data[i] = simd.Tanh(v)
	}
}

func (t *CPUTensor) Sigmoid() {
	if t.trans {
		log.Panic().Msg("Sigmoid not supported on transposed tensor views directly")
	}
	for i, v := range t.data {
		t.data[i] = simd.Sigmoid(v)
	}
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gt := mustCPU(gamma, "LayerNorm")
	bt := mustCPU(beta, "LayerNorm")
	if t.trans {
		log.Panic().Msg("LayerNorm not supported on transposed tensor views directly")
	}

	r, c := t.Dims()
	gammaData := gt.data
	betaData := bt.data
	if len(gammaData) != c || len(betaData) != c {
		log.Panic().Msgf("LayerNorm: params (%d, %d) do not match width %d", len(gammaData), len(betaData), c)
	}

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]

		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(c)

		var varSum float64
		for _, v := range row {
			diff := float64(v) - mean
			varSum += diff * diff
		}
		variance := varSum / float64(c)
		invStd := 1.0 / math.Sqrt(variance+float64(eps))

		for j := 0; j < c; j++ {
			row[j] = float32((float64(row[j])-mean)*invStd)*gammaData[j] + betaData[j]
		}
	}
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(input, weight)

	if bias != nil {
		result.AddBias(bias)
	}

	return result
}

func (t *CPUTensor) LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor {
	result := t.Linear(input, weight, bias)

	switch activation {
	case ActivationGELU:
		result.Gelu()
	case ActivationTanh:
		result.Tanh()
	case ActivationSoftmax:
		result.Softmax()
	case ActivationSigmoid:
		result.Sigmoid()
	case ActivationIdentity:
		// No-op
	}

	return result
}

func (t *CPUTensor) Attention(q, k, v Tensor, batchSize, seqLen, numHeads int, mask []float32, scale float32) Tensor {
	qt := mustCPU(q, "Attention")
	kt := mustCPU(k, "Attention")
	vt := mustCPU(v, "Attention")
	if qt.trans || kt.trans || vt.trans {
		log.Panic().Msg("Attention: transposed inputs are not supported")
	}

	r, c := qt.Dims()
	if r != batchSize*seqLen {
		log.Panic().Msgf("Attention: %d rows for batch %d x seq %d", r, batchSize, seqLen)
	}
	if numHeads <= 0 || c%numHeads != 0 {
		log.Panic().Msgf("Attention: hidden %d not divisible into %d heads", c, numHeads)
	}
	if mask != nil && len(mask) != r {
		log.Panic().Msgf("Attention: mask length %d, want %d", len(mask), r)
	}
	headDim := c / numHeads

	result := t.backend.NewTensor(r, c, nil)
	rst := result.(*CPUTensor)

	var wg sync.WaitGroup
	workers := numWorkers
	if batchSize < workers {
		workers = batchSize
	}
	itemsPerWorker := (batchSize + workers - 1) / workers

	for w := 0; w < workers; w++ {
		startBatch := w * itemsPerWorker
		endBatch := startBatch + itemsPerWorker
		if startBatch >= batchSize {
			break
		}
		if endBatch > batchSize {
			endBatch = batchSize
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			scores := make([]float32, seqLen)

			for b := start; b < end; b++ {
				offset := b * seqLen

				for h := 0; h < numHeads; h++ {
					lo := h * headDim
					hi := lo + headDim

					for rQ := 0; rQ < seqLen; rQ++ {
						qIdx := (offset + rQ) * c
						qRow := qt.data[qIdx+lo : qIdx+hi]

						for rK := 0; rK < seqLen; rK++ {
							if mask != nil && mask[offset+rK] != 0 {
								scores[rK] = maskedScore
								continue
							}
							kIdx := (offset + rK) * c
							scores[rK] = simd.DotProduct(qRow, kt.data[kIdx+lo:kIdx+hi]) * scale
						}
						simd.SoftmaxFast(scores)

						outIdx := (offset + rQ) * c
						outRow := rst.data[outIdx+lo : outIdx+hi]
						for rK, score := range scores {
							if score == 0 {
								continue
							}
							vIdx := (offset + rK) * c
							simd.VecAddScaled(outRow, vt.data[vIdx+lo:vIdx+hi], score)
						}
					}
				}
			}
		}(startBatch, endBatch)
	}
	wg.Wait()

	return result
}

// ExtractTo parallelizes the row-splitting of the tensor into destination.
func (t *CPUTensor) ExtractTo(destination [][]float32, startRow int) {
	rows, cols := t.Dims()
	if startRow+rows > len(destination) {
		log.Panic().Msgf("ExtractTo: %d rows at offset %d overflow %d slots", rows, startRow, len(destination))
	}

	var wg sync.WaitGroup
	rowsPerWorker := (rows + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		s := w * rowsPerWorker
		if s >= rows {
			break
		}
		e := s + rowsPerWorker
		if e > rows {
			e = rows
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				row := make([]float32, cols)
				for j := 0; j < cols; j++ {
					row[j] = t.At(i, j)
				}
				destination[startRow+i] = row
			}
		}(s, e)
	}
	wg.Wait()
}

func mustCPU(t Tensor, op string) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		log.Panic().Msgf("%s: mixed backend tensors are not supported", op)
	}
	return ct
}
