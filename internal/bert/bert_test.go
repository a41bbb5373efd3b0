package bert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/model"
)

func testConfig() BertConfig {
	return BertConfig{
		VocabSize:             100,
		HiddenSize:            16,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      32,
		MaxPositionEmbeddings: 10,
		TypeVocabSize:         2,
		HiddenDropout:         0.1,
	}
}

func newTestModel(t testing.TB, cfg BertConfig) *BertModel {
	t.Helper()
	return NewBertModel(cfg, model.NewEnv(device.NewCPUBackend(), 1))
}

func TestBertModelEncode(t *testing.T) {
	config := testConfig()
	m := newTestModel(t, config)

	ids := []int{1, 2, 3, 4, 5, 6}
	out := m.Encode(ids, nil, model.FullMask(2, 3))

	r, c := out.Dims()
	require.Equal(t, 6, r)
	require.Equal(t, config.HiddenSize, c)

	hasNonZero := false
	for _, v := range out.ToHost() {
		if v != 0 {
			hasNonZero = true
			break
		}
	}
	require.True(t, hasNonZero, "Output should not be all zeros")
}

func TestBertModelPaddingIsolated(t *testing.T) {
	m := newTestModel(t, testConfig())

	mask := model.NewMask(1, 4, []float32{1, 1, 0, 0})
	a := m.Encode([]int{7, 8, 0, 0}, nil, mask)
	b := m.Encode([]int{7, 8, 55, 99}, nil, mask)

	for r := 0; r < 2; r++ {
		for j := 0; j < 16; j++ {
			assert.InDelta(t, a.At(r, j), b.At(r, j), 1e-5)
		}
	}
}

func TestBertModelSegmentsMatter(t *testing.T) {
	m := newTestModel(t, testConfig())
	mask := model.FullMask(1, 4)

	a := m.Encode([]int{1, 2, 3, 4}, []int{0, 0, 0, 0}, mask).ToHost()
	b := m.Encode([]int{1, 2, 3, 4}, []int{0, 0, 1, 1}, mask).ToHost()
	c := m.Encode([]int{1, 2, 3, 4}, nil, mask).ToHost()

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
}

func TestBertModelContractViolations(t *testing.T) {
	m := newTestModel(t, testConfig())

	assert.Panics(t, func() { m.Encode([]int{1, 2}, nil, model.FullMask(1, 3)) })
	assert.Panics(t, func() { m.Encode([]int{1, 200}, nil, model.FullMask(1, 2)) })
	assert.Panics(t, func() { m.Encode(make([]int, 11), nil, model.FullMask(1, 11)) })
	assert.Panics(t, func() { m.Encode([]int{1, 2}, []int{0}, model.FullMask(1, 2)) })
}

func TestBertParamNames(t *testing.T) {
	config := testConfig()
	ps := newTestModel(t, config).Params()

	for _, name := range []string{
		"embeddings.word_embeddings.weight",
		"embeddings.position_embeddings.weight",
		"embeddings.token_type_embeddings.weight",
		"embeddings.LayerNorm.weight",
		"encoder.layer.0.attention.self.query.weight",
		"encoder.layer.1.attention.output.LayerNorm.bias",
		"encoder.layer.1.intermediate.dense.weight",
		"encoder.layer.1.output.dense.bias",
	} {
		_, ok := ps.Get(name)
		assert.True(t, ok, name)
	}

	p, _ := ps.Get("encoder.layer.0.intermediate.dense.weight")
	assert.Equal(t, []int{config.IntermediateSize, config.HiddenSize}, p.Shape)
}

func TestBertConfigValidate(t *testing.T) {
	require.NoError(t, DefaultBertTinyConfig().Validate())

	cfg := testConfig()
	cfg.NumAttentionHeads = 3
	assert.Error(t, cfg.Validate())
	assert.Panics(t, func() { newTestModel(t, cfg) })

	cfg = testConfig()
	cfg.TypeVocabSize = 0
	assert.Error(t, cfg.Validate())
}

func TestBaselineConfig(t *testing.T) {
	cfg := BaselineConfig(DefaultBertTinyConfig(), 256, 1024)
	assert.Equal(t, 30522, cfg.VocabSize)
	assert.Equal(t, 256, cfg.HiddenSize)
	assert.Equal(t, 1024, cfg.IntermediateSize)
	assert.Equal(t, 6, cfg.NumHiddenLayers)
	assert.Equal(t, 8, cfg.NumAttentionHeads)
	require.NoError(t, cfg.Validate())
}

func BenchmarkBertModel_Encode_CPU(b *testing.B) {
	config := DefaultBertTinyConfig()
	backend := device.NewCPUBackend()
	m := NewBertModel(config, model.NewEnv(backend, 1))

	seqLen := 64
	inputIDs := make([]int, seqLen)
	for i := range inputIDs {
		inputIDs[i] = i % 1000
	}
	mask := model.FullMask(1, seqLen)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out := m.Encode(inputIDs, nil, mask)
		backend.PutTensor(out)
	}
}
