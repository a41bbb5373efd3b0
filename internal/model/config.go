package model

import (
	"fmt"
)

// Config holds every setting needed to build a head.
type Config struct {
	Head        string  `yaml:"head"`
	HiddenSize  int     `yaml:"hidden_size"` // width of the encoder vectors fed to the head
	FFSize      int     `yaml:"ff_size"`
	Heads       int     `yaml:"heads"`
	Dropout     float64 `yaml:"dropout"`
	InterLayers int     `yaml:"inter_layers"`
	NumClasses  int     `yaml:"num_classes"`
	PoolMode    string  `yaml:"pool_mode"`
	MaxLen      int     `yaml:"max_len"`

	RNN RNNConfig `yaml:"rnn"`

	ParamInit       float64 `yaml:"param_init"`
	ParamInitGlorot bool    `yaml:"param_init_glorot"`
	Seed            uint64  `yaml:"seed"`
}

// DefaultConfig returns a two-layer transformer head over 768-wide vectors.
func DefaultConfig() Config {
	return Config{
		Head:        string(HeadTransformer),
		HiddenSize:  768,
		FFSize:      2048,
		Heads:       8,
		Dropout:     0.1,
		InterLayers: 2,
		NumClasses:  3,
		PoolMode:    string(PoolMean),
		MaxLen:      DefaultMaxLen,
		RNN: RNNConfig{
			Bidirectional: true,
			NumLayers:     1,
			HiddenSize:    768,
		},
		ParamInitGlorot: true,
	}
}

// InitPolicy returns the post-construction initialization the config asks for.
func (c Config) InitPolicy() InitPolicy {
	return InitPolicy{Uniform: c.ParamInit, Glorot: c.ParamInitGlorot}
}

// rnn fills in the tag size, which defaults to the class count.
func (c Config) rnn() RNNConfig {
	r := c.RNN
	if r.TagSize == 0 {
		r.TagSize = c.NumClasses
	}
	return r
}

// Validate checks the settings of the selected head. Errors wrap ErrInvalidConfig.
func (c Config) Validate() error {
	kind, err := ParseHeadKind(c.Head)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("%w: hidden_size must be positive, got %d", ErrInvalidConfig, c.HiddenSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout %v outside [0,1)", ErrInvalidConfig, c.Dropout)
	}

	switch kind {
	case HeadTransformer:
		if _, err := ParsePoolMode(c.PoolMode); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if c.HiddenSize%2 != 0 {
			return fmt.Errorf("%w: hidden_size %d must be even for positional encoding", ErrInvalidConfig, c.HiddenSize)
		}
		if c.Heads <= 0 || c.HiddenSize%c.Heads != 0 {
			return fmt.Errorf("%w: hidden_size %d not divisible by %d heads", ErrInvalidConfig, c.HiddenSize, c.Heads)
		}
		if c.InterLayers < 0 {
			return fmt.Errorf("%w: inter_layers must not be negative, got %d", ErrInvalidConfig, c.InterLayers)
		}
		if c.InterLayers > 0 && c.FFSize <= 0 {
			return fmt.Errorf("%w: ff_size must be positive, got %d", ErrInvalidConfig, c.FFSize)
		}
		if c.NumClasses <= 0 {
			return fmt.Errorf("%w: num_classes must be positive, got %d", ErrInvalidConfig, c.NumClasses)
		}
		if c.MaxLen < 0 {
			return fmt.Errorf("%w: max_len must not be negative, got %d", ErrInvalidConfig, c.MaxLen)
		}
	case HeadRNN:
		if err := c.rnn().Validate(); err != nil {
			return err
		}
	}
	return nil
}
