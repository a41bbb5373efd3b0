package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig(head string) Config {
	cfg := DefaultConfig()
	cfg.Head = head
	cfg.HiddenSize = 8
	cfg.FFSize = 16
	cfg.Heads = 2
	cfg.InterLayers = 1
	cfg.NumClasses = 3
	cfg.RNN = RNNConfig{Bidirectional: true, NumLayers: 1, HiddenSize: 8}
	return cfg
}

func TestNewHeadDispatch(t *testing.T) {
	cases := []struct {
		head   string
		output OutputKind
		cols   int
	}{
		{"classifier", PositionScores, 4},
		{"baseline", PositionScores, 4},
		{"transformer", Logits, 3},
		{"rnn", Probabilities, 3},
	}
	for _, tc := range cases {
		t.Run(tc.head, func(t *testing.T) {
			env := newTestEnv(t)
			h, err := NewHead(env, smallConfig(tc.head))
			require.NoError(t, err)
			assert.Equal(t, HeadKind(tc.head), h.Kind())
			assert.Equal(t, tc.output, h.Output())

			out := h.Forward(randomTensor(env, 2*4, 8, 1), FullMask(2, 4))
			r, c := out.Dims()
			assert.Equal(t, 2, r)
			assert.Equal(t, tc.cols, c)
			assert.Positive(t, h.Params().Len())
		})
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"unknown head":     func(c *Config) { c.Head = "lstm" },
		"unknown pool":     func(c *Config) { c.PoolMode = "max" },
		"odd hidden":       func(c *Config) { c.HiddenSize = 7; c.Heads = 7 },
		"heads mismatch":   func(c *Config) { c.Heads = 3 },
		"no classes":       func(c *Config) { c.NumClasses = 0 },
		"negative layers":  func(c *Config) { c.InterLayers = -1 },
		"dropout too high": func(c *Config) { c.Dropout = 1 },
		"rnn directions": func(c *Config) {
			c.Head = "rnn"
			c.RNN.HiddenSize = 7
		},
		"rnn no tags": func(c *Config) {
			c.Head = "rnn"
			c.NumClasses = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := smallConfig("transformer")
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), err.Error())

			_, err = NewHead(newTestEnv(t), cfg)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestRNNTagSizeDefaultsToClasses(t *testing.T) {
	cfg := smallConfig("rnn")
	cfg.NumClasses = 5
	h, err := NewHead(newTestEnv(t), cfg)
	require.NoError(t, err)

	p, ok := h.Params().Get("relation_embeds.weight")
	require.True(t, ok)
	assert.Equal(t, []int{5, 8}, p.Shape)
}

func TestParseHeadKind(t *testing.T) {
	for _, s := range []string{"classifier", "transformer", "rnn", "baseline"} {
		k, err := ParseHeadKind(s)
		require.NoError(t, err)
		assert.Equal(t, HeadKind(s), k)
	}
	_, err := ParseHeadKind("Transformer")
	assert.Error(t, err)
}

func TestOutputKindString(t *testing.T) {
	assert.Equal(t, "logits", Logits.String())
	assert.Equal(t, "probabilities", Probabilities.String())
	assert.Equal(t, "position_scores", PositionScores.String())
	assert.Equal(t, "OutputKind(9)", OutputKind(9).String())
}

func TestHeadUniformInit(t *testing.T) {
	cfg := smallConfig("transformer")
	cfg.ParamInit = 0.01
	cfg.ParamInitGlorot = false

	h, err := NewHead(newTestEnv(t), cfg)
	require.NoError(t, err)
	for _, p := range h.Params().All() {
		for _, v := range p.Tensor.ToHost() {
			require.LessOrEqual(t, math.Abs(float64(v)), 0.01, p.Name)
		}
	}
}

func TestHeadGlorotInitOnlyMatrices(t *testing.T) {
	cfg := smallConfig("transformer")
	cfg.ParamInit = 0.001
	cfg.ParamInitGlorot = true

	h, err := NewHead(newTestEnv(t), cfg)
	require.NoError(t, err)

	for _, p := range h.Params().All() {
		maxAbs := 0.0
		for _, v := range p.Tensor.ToHost() {
			maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
		}
		if p.Rank() > 1 {
			limit := math.Sqrt(6.0 / float64(p.Shape[0]+p.Shape[1]))
			assert.LessOrEqual(t, maxAbs, limit+1e-6, p.Name)
			assert.Greater(t, maxAbs, 0.0011, p.Name)
		} else {
			assert.LessOrEqual(t, maxAbs, 0.0011, p.Name)
		}
	}
}
