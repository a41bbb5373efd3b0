// Package config loads the quiver YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-quiver/internal/bert"
	"github.com/23skdu/longbow-quiver/internal/inference"
	"github.com/23skdu/longbow-quiver/internal/model"
)

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Model    model.Config `yaml:"model"`
	Bert     BertSection  `yaml:"bert"`
	Baseline Baseline     `yaml:"baseline"`
	Engine   Engine       `yaml:"engine"`
	Server   Server       `yaml:"server"`
}

type BertSection struct {
	bert.BertConfig `yaml:",inline"`

	// Weights is a raw float32 file for the full parameter set.
	Weights string `yaml:"weights"`
}

// Baseline sizes the fresh encoder of the baseline head.
type Baseline struct {
	HiddenSize int `yaml:"hidden_size"`
	FFSize     int `yaml:"ff_size"`
}

type Engine struct {
	BatchSize int `yaml:"batch_size"`
	CacheSize int `yaml:"cache_size"`
}

type Server struct {
	Listen        string `yaml:"listen"`
	Flight        string `yaml:"flight"`
	Longbow       string `yaml:"longbow"`
	Dataset       string `yaml:"dataset"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OTel          bool   `yaml:"otel"`

	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// Default returns a transformer head over BERT-Tiny, serving nothing.
func Default() Config {
	return Config{
		Model: model.DefaultConfig(),
		Bert:  BertSection{BertConfig: bert.DefaultBertTinyConfig()},
		Baseline: Baseline{
			HiddenSize: 512,
			FFSize:     512,
		},
		Engine: Engine{
			BatchSize: 32,
			CacheSize: 4096,
		},
		Server: Server{
			Dataset:         "quiver_results",
			MaxConcurrent:   16384,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document does not set.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every section. The model section is checked against the
// encoder width it will actually receive.
func (c Config) Validate() error {
	bcfg := c.encoderConfig()
	if err := bcfg.Validate(); err != nil {
		return fmt.Errorf("%w: bert: %v", ErrInvalid, err)
	}

	m := c.Model
	m.HiddenSize = bcfg.HiddenSize
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: model: %v", ErrInvalid, err)
	}

	switch {
	case c.Engine.BatchSize <= 0:
		return fmt.Errorf("%w: engine.batch_size must be positive, got %d", ErrInvalid, c.Engine.BatchSize)
	case c.Engine.CacheSize < 0:
		return fmt.Errorf("%w: engine.cache_size must not be negative, got %d", ErrInvalid, c.Engine.CacheSize)
	case c.Server.MaxConcurrent <= 0:
		return fmt.Errorf("%w: server.max_concurrent must be positive, got %d", ErrInvalid, c.Server.MaxConcurrent)
	case c.Server.Longbow != "" && c.Server.Dataset == "":
		return fmt.Errorf("%w: server.dataset is required when forwarding to longbow", ErrInvalid)
	}
	return nil
}

func (c Config) encoderConfig() bert.BertConfig {
	if c.Model.Head == string(model.HeadBaseline) {
		return bert.BaselineConfig(c.Bert.BertConfig, c.Baseline.HiddenSize, c.Baseline.FFSize)
	}
	return c.Bert.BertConfig
}

// EngineOptions converts the model, bert, baseline and engine sections.
func (c Config) EngineOptions() inference.Options {
	return inference.Options{
		Model:          c.Model,
		Bert:           c.Bert.BertConfig,
		BaselineHidden: c.Baseline.HiddenSize,
		BaselineFF:     c.Baseline.FFSize,
		Weights:        c.Bert.Weights,
		BatchSize:      c.Engine.BatchSize,
		CacheSize:      c.Engine.CacheSize,
	}
}
