package device

// Tensor is a 2-D float32 array resident on a backend.
// Sequence batches are stored flattened: row b*seq+t holds position t of example b.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if it is contiguous on the host (nil otherwise).
	Data() []float32

	// ToHost copies the data to a Go slice in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same shape.
	Copy(from Tensor)

	// Slice copies rows [i,k) and cols [j,l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// ScaleRows multiplies row i by scales[i].
	ScaleRows(scales []float32)

	// AddBias adds a 1xN bias vector to every row.
	AddBias(bias Tensor)

	// Activation functions (In-Place)
	Softmax()
	Gelu()
	Tanh()
	Sigmoid()

	// LayerNorm performs layer normalization (In-Place).
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// Linear performs a fused MatMul + BiasAdd.
	// equivalent to: t.Mul(input, weight); t.AddBias(bias)
	Linear(input, weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by Activation.
	LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor

	// Attention performs masked multi-head scaled dot-product attention.
	// q, k, v are flattened (Batch*Seq, Hidden); heads split Hidden evenly.
	// mask is (Batch*Seq) with 1 marking keys that must not be attended to (nil = none).
	// Masked scores are filled with -1e18 before the softmax.
	Attention(q, k, v Tensor, batchSize, seqLen, numHeads int, mask []float32, scale float32) Tensor

	// ExtractTo copies consecutive rows into destination starting at destination[startRow].
	ExtractTo(destination [][]float32, startRow int)
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationGELU
	ActivationTanh
	ActivationSoftmax
	ActivationSigmoid
)

// Backend creates tensors and manages device memory. It is the device context
// every layer receives at construction time.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
