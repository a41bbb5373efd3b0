package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRNNEncoderRowsSumToOne(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		cfg  RNNConfig
	}{
		{"bidirectional", RNNConfig{Bidirectional: true, NumLayers: 1, HiddenSize: 8, TagSize: 3}},
		{"unidirectional", RNNConfig{NumLayers: 1, HiddenSize: 6, TagSize: 4}},
		{"stacked", RNNConfig{Bidirectional: true, NumLayers: 2, HiddenSize: 4, TagSize: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := NewRNNEncoder(env, 8, tc.cfg)
			require.NoError(t, err)

			mask := NewMask(3, 4, []float32{1, 1, 1, 1, 1, 1, 0, 0, 1, 0, 0, 0})
			out := enc.Forward(randomTensor(env, 12, 8, 5), mask)

			r, c := out.Dims()
			require.Equal(t, 3, r)
			require.Equal(t, tc.cfg.TagSize, c)
			for _, s := range rowSums(out) {
				assert.InDelta(t, 1.0, s, 1e-5)
			}
			for _, v := range out.ToHost() {
				assert.GreaterOrEqual(t, v, float32(0))
			}
		})
	}
}

func TestRNNEncoderBatchIndependent(t *testing.T) {
	env := newTestEnv(t)
	enc, err := NewRNNEncoder(env, 4, RNNConfig{Bidirectional: true, NumLayers: 1, HiddenSize: 4, TagSize: 3})
	require.NoError(t, err)

	x := randomTensor(env, 2*3, 4, 17)
	both := enc.Forward(x, FullMask(2, 3))
	second := enc.Forward(x.Slice(3, 6, 0, 4), FullMask(1, 3))

	for j := 0; j < 3; j++ {
		assert.InDelta(t, both.At(1, j), second.At(0, j), 1e-5)
	}
}

func TestRNNEncoderIgnoresTrailingPadding(t *testing.T) {
	env := newTestEnv(t)
	// A forward-only recurrence never sees trailing steps before the valid ones.
	enc, err := NewRNNEncoder(env, 4, RNNConfig{NumLayers: 1, HiddenSize: 4, TagSize: 2})
	require.NoError(t, err)

	mask := NewMask(1, 4, []float32{1, 1, 0, 0})
	x := randomTensor(env, 4, 4, 23)
	base := enc.Forward(x, mask).ToHost()

	y := x.Slice(0, 4, 0, 4)
	y.Set(2, 0, 9)
	y.Set(3, 3, -9)
	assert.InDeltaSlice(t, base, enc.Forward(y, mask).ToHost(), 1e-6)
}

func TestRNNEncoderConfigErrors(t *testing.T) {
	env := newTestEnv(t)
	bad := []RNNConfig{
		{Bidirectional: true, NumLayers: 1, HiddenSize: 5, TagSize: 2},
		{NumLayers: 0, HiddenSize: 4, TagSize: 2},
		{NumLayers: 1, HiddenSize: 4, TagSize: 0},
		{NumLayers: 1, HiddenSize: 0, TagSize: 2},
	}
	for _, cfg := range bad {
		_, err := NewRNNEncoder(env, 4, cfg)
		assert.True(t, errors.Is(err, ErrInvalidConfig), "%+v: %v", cfg, err)
	}
}

func TestRNNEncoderBiasIsParameter(t *testing.T) {
	env := newTestEnv(t)
	enc, err := NewRNNEncoder(env, 4, RNNConfig{NumLayers: 1, HiddenSize: 4, TagSize: 3})
	require.NoError(t, err)

	p, ok := enc.Params().Get("relation_bias")
	require.True(t, ok)
	assert.Equal(t, []int{3}, p.Shape)

	// A large bias on tag 2 pulls probability mass toward it.
	x := randomTensor(env, 4, 4, 1)
	before := enc.Forward(x, FullMask(1, 4)).At(0, 2)
	require.NoError(t, enc.Params().Assign("relation_bias", []float32{0, 0, 10}))
	after := enc.Forward(x, FullMask(1, 4)).At(0, 2)
	assert.Greater(t, after, before)
}

func TestLayerNormLSTMShapes(t *testing.T) {
	env := newTestEnv(t)
	lstm := NewLayerNormLSTM(env, 6, 3, 2, true)
	assert.Equal(t, 6, lstm.OutputSize())

	out := lstm.Run(randomTensor(env, 2*5, 6, 3), 2, 5)
	r, c := out.Dims()
	assert.Equal(t, 10, r)
	assert.Equal(t, 6, c)

	for _, v := range out.ToHost() {
		assert.LessOrEqual(t, v, float32(1))
		assert.GreaterOrEqual(t, v, float32(-1))
	}
	assert.Panics(t, func() { lstm.Run(randomTensor(env, 9, 6, 3), 2, 5) })
}

func TestLayerNormLSTMSingleStepMatchesCell(t *testing.T) {
	env := newTestEnv(t)
	lstm := NewLayerNormLSTM(env, 4, 2, 1, true)
	x := randomTensor(env, 1, 4, 8)

	out := lstm.Run(x, 1, 1)

	// With one step both directions start from zero state on the same input.
	for dir, cell := range lstm.Cells[0] {
		h := env.Backend.NewTensor(1, 2, nil)
		c := env.Backend.NewTensor(1, 2, nil)
		cell.Step(cell.inputGates(x), h, c)
		for j := 0; j < 2; j++ {
			assert.InDelta(t, h.At(0, j), out.At(0, dir*2+j), 1e-6)
		}
	}
}

func TestLayerNormLSTMParamNames(t *testing.T) {
	env := newTestEnv(t)
	ps := NewLayerNormLSTM(env, 4, 2, 1, true).Params()

	for _, name := range []string{
		"layers.0.weight_ih", "layers.0.weight_hh", "layers.0.bias_ih", "layers.0.bias_hh",
		"layers.0.ln_ih.weight", "layers.0.ln_ho.bias", "layers.0_reverse.weight_ih",
	} {
		_, ok := ps.Get(name)
		assert.True(t, ok, name)
	}
	p, _ := ps.Get("layers.0.weight_ih")
	assert.Equal(t, []int{8, 4}, p.Shape)
}

func TestRNNEncoderAttendMatchesReference(t *testing.T) {
	env := newTestEnv(t)
	enc, err := NewRNNEncoder(env, 4, RNNConfig{NumLayers: 1, HiddenSize: 4, TagSize: 2})
	require.NoError(t, err)

	batch, seq, hidden := 2, 3, 4
	memory := randomTensor(env, batch*seq, hidden, 31)
	before := memory.ToHost()
	mask := NewMask(batch, seq, []float32{1, 1, 1, 1, 1, 0})

	got := enc.attend(memory, mask).ToHost()
	assert.Equal(t, before, memory.ToHost(), "memory bank is read-only")

	w := enc.AttWeight.ToHost()
	for b := 0; b < batch; b++ {
		scores := make([]float64, seq)
		maxScore := math.Inf(-1)
		for s := 0; s < seq; s++ {
			if mask.Row(b)[s] == 0 {
				scores[s] = math.Inf(-1)
				continue
			}
			for j := 0; j < hidden; j++ {
				scores[s] += float64(w[j]) * math.Tanh(float64(before[(b*seq+s)*hidden+j]))
			}
			maxScore = math.Max(maxScore, scores[s])
		}
		total := 0.0
		for s := range scores {
			scores[s] = math.Exp(scores[s] - maxScore)
			total += scores[s]
		}
		for j := 0; j < hidden; j++ {
			sum := 0.0
			for s := 0; s < seq; s++ {
				sum += scores[s] / total * float64(before[(b*seq+s)*hidden+j])
			}
			assert.InDelta(t, math.Tanh(sum), got[b*hidden+j], 1e-5, "b=%d j=%d", b, j)
		}
	}
}

func TestLSTMOutputSurvivesLaterPasses(t *testing.T) {
	env := newTestEnv(t)
	lstm := NewLayerNormLSTM(env, 4, 3, 2, true)
	x := randomTensor(env, 2*5, 4, 41)

	out := lstm.Run(x, 2, 5)
	snapshot := out.ToHost()

	again := lstm.Run(x, 2, 5)
	assert.Equal(t, snapshot, out.ToHost(), "released step tensors must not alias the output")
	assert.Equal(t, snapshot, again.ToHost())
}
