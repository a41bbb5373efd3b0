package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-quiver/internal/bert"
	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

// ErrInvalidExample is returned for requests the model cannot encode.
var ErrInvalidExample = errors.New("invalid example")

const (
	padID  = 0
	padCls = -1
)

// Example is one tokenized document. Clss holds the position of every
// sentence's [CLS] token; empty means a single sentence starting at 0.
type Example struct {
	IDs      []int `cbor:"ids" json:"ids"`
	Segments []int `cbor:"segments,omitempty" json:"segments,omitempty"`
	Clss     []int `cbor:"clss,omitempty" json:"clss,omitempty"`
}

// Result holds the head output for one example. For position-score heads
// Scores has one entry per sentence; otherwise one per class. Label is the
// arg-max of Scores.
type Result struct {
	Scores []float32 `cbor:"scores" json:"scores"`
	Label  int       `cbor:"label" json:"label"`
}

// StreamResult is one internal batch of results starting at Offset.
type StreamResult struct {
	Offset  int
	Count   int
	Results []Result
	Err     error
}

// Options configures NewEngine.
type Options struct {
	Model model.Config
	Bert  bert.BertConfig

	// BaselineHidden and BaselineFF size the fresh encoder of the baseline head.
	BaselineHidden int
	BaselineFF     int

	// Weights is a raw float32 file covering Params(); empty keeps the
	// initialized weights.
	Weights string

	BatchSize int
	CacheSize int // 0 disables result caching
}

// Engine runs the encoder and head over batches of examples.
type Engine struct {
	mu sync.Mutex // one forward pass at a time

	encoder   *bert.BertModel
	head      model.Head
	backend   device.Backend
	params    *model.ParamSet
	batchSize int
	maxSents  int
	cache     cache.ScoreCache
}

// NewEngine builds the encoder and head selected by opts on backend.
func NewEngine(opts Options, backend device.Backend) (*Engine, error) {
	kind, err := model.ParseHeadKind(opts.Model.Head)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
	}

	bcfg := opts.Bert
	if kind == model.HeadBaseline {
		bcfg = bert.BaselineConfig(bcfg, opts.BaselineHidden, opts.BaselineFF)
	}
	if err := bcfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: bert: %v", model.ErrInvalidConfig, err)
	}

	env := model.NewEnv(backend, opts.Model.Seed)
	encoder := bert.NewBertModel(bcfg, env)

	mcfg := opts.Model
	mcfg.HiddenSize = bcfg.HiddenSize
	head, err := model.NewHead(env, mcfg)
	if err != nil {
		return nil, err
	}

	e := newEngine(encoder, head, opts.BatchSize, opts.CacheSize)
	if mcfg.MaxLen > 0 {
		e.maxSents = mcfg.MaxLen
	}

	if opts.Weights != "" {
		if err := weights.NewLoader(e.params).LoadFromRawBinary(opts.Weights); err != nil {
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
	}
	return e, nil
}

func newEngine(encoder *bert.BertModel, head model.Head, batchSize, cacheSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 32
	}
	e := &Engine{
		encoder:   encoder,
		head:      head,
		backend:   encoder.Backend,
		params:    model.NewParamSet(),
		batchSize: batchSize,
		maxSents:  model.DefaultMaxLen,
	}
	e.params.Merge("bert", encoder.Params())
	e.params.Merge("encoder", head.Params())
	if cacheSize > 0 {
		e.cache = cache.NewLRUCache(cacheSize)
	}
	return e
}

// Params returns the full parameter set, encoder under "bert." and head under "encoder.".
func (e *Engine) Params() *model.ParamSet { return e.params }

// Head returns the aggregation head.
func (e *Engine) Head() model.Head { return e.head }

// Validate checks one example against the encoder's limits.
func (e *Engine) Validate(ex Example) error {
	cfg := e.encoder.Config
	if len(ex.IDs) == 0 {
		return fmt.Errorf("%w: no token ids", ErrInvalidExample)
	}
	if len(ex.IDs) > cfg.MaxPositionEmbeddings {
		return fmt.Errorf("%w: %d tokens exceed %d positions", ErrInvalidExample, len(ex.IDs), cfg.MaxPositionEmbeddings)
	}
	for i, id := range ex.IDs {
		if id < 0 || id >= cfg.VocabSize {
			return fmt.Errorf("%w: token %d id %d outside vocabulary of %d", ErrInvalidExample, i, id, cfg.VocabSize)
		}
	}
	if ex.Segments != nil {
		if len(ex.Segments) != len(ex.IDs) {
			return fmt.Errorf("%w: %d segment ids for %d tokens", ErrInvalidExample, len(ex.Segments), len(ex.IDs))
		}
		for i, s := range ex.Segments {
			if s < 0 || s >= cfg.TypeVocabSize {
				return fmt.Errorf("%w: token %d segment %d outside [0,%d)", ErrInvalidExample, i, s, cfg.TypeVocabSize)
			}
		}
	}
	if len(ex.Clss) > e.maxSents {
		return fmt.Errorf("%w: %d sentences exceed %d", ErrInvalidExample, len(ex.Clss), e.maxSents)
	}
	for i, c := range ex.Clss {
		if c < 0 || c >= len(ex.IDs) {
			return fmt.Errorf("%w: sentence %d cls index %d outside [0,%d)", ErrInvalidExample, i, c, len(ex.IDs))
		}
	}
	return nil
}

// Classify scores every example. Cached examples skip the model.
func (e *Engine) Classify(ctx context.Context, examples []Example) ([]Result, error) {
	results := make([]Result, 0, len(examples))
	for chunk := range e.Stream(ctx, examples) {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		results = append(results, chunk.Results...)
	}
	if len(results) != len(examples) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("classified %d of %d examples", len(results), len(examples))
	}
	return results, nil
}

// Stream scores examples in internal batches of the configured size, in order.
// Examples are validated up front; an invalid one yields a single error result.
// Cancelling ctx stops the stream between batches.
func (e *Engine) Stream(ctx context.Context, examples []Example) <-chan StreamResult {
	out := make(chan StreamResult, 1)
	go func() {
		defer close(out)

		ctx, span := tracer.Start(ctx, "Stream")
		defer span.End()
		span.SetAttributes(attribute.Int("example_count", len(examples)))

		for i, ex := range examples {
			if err := e.Validate(ex); err != nil {
				span.RecordError(err)
				out <- StreamResult{Offset: i, Err: fmt.Errorf("example %d: %w", i, err)}
				return
			}
		}

		for start := 0; start < len(examples); start += e.batchSize {
			if err := ctx.Err(); err != nil {
				out <- StreamResult{Offset: start, Err: err}
				return
			}
			end := min(start+e.batchSize, len(examples))
			chunk := StreamResult{
				Offset:  start,
				Count:   end - start,
				Results: e.classifyChunk(ctx, examples[start:end]),
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (e *Engine) classifyChunk(ctx context.Context, examples []Example) []Result {
	results := make([]Result, len(examples))
	ns := DatasetID(ctx)

	var missIdx []int
	var missKeys []uint64
	for i, ex := range examples {
		if e.cache == nil {
			missIdx = append(missIdx, i)
			continue
		}
		key := cache.Key(ns, ex.IDs, ex.Segments, ex.Clss)
		if scores, ok := e.cache.Get(key); ok {
			cacheHits.Inc()
			results[i] = newResult(scores)
			continue
		}
		cacheMisses.Inc()
		missIdx = append(missIdx, i)
		missKeys = append(missKeys, key)
	}
	if len(missIdx) == 0 {
		return results
	}

	batch := make([]Example, len(missIdx))
	for j, i := range missIdx {
		batch[j] = examples[i]
	}
	scores := e.forward(ctx, batch)
	for j, i := range missIdx {
		results[i] = newResult(scores[j])
		if e.cache != nil {
			e.cache.Put(missKeys[j], scores[j])
		}
	}
	return results
}

// forward runs one padded batch through the encoder and head.
func (e *Engine) forward(ctx context.Context, examples []Example) [][]float32 {
	_, span := tracer.Start(ctx, "forward")
	defer span.End()

	b := newBatch(examples)
	span.SetAttributes(
		attribute.Int("batch", b.size),
		attribute.Int("seq", b.seq),
		attribute.Int("sentences", b.sents),
	)

	start := time.Now()
	e.mu.Lock()
	top := e.encoder.Encode(b.ids, b.segs, model.NewMask(b.size, b.seq, b.mask))
	sents := top.Gather(b.gatherRows())
	sents.ScaleRows(b.maskCls)
	out := e.head.Forward(sents, model.NewMask(b.size, b.sents, b.maskCls))
	e.backend.Synchronize()
	scores := make([][]float32, b.size)
	out.ExtractTo(scores, 0)
	e.mu.Unlock()

	e.backend.PutTensor(top)
	e.backend.PutTensor(sents)
	e.backend.PutTensor(out)

	batchDuration.WithLabelValues(e.backend.Name()).Observe(time.Since(start).Seconds())
	examplesProcessed.Add(float64(b.size))
	tokensProcessed.Add(float64(b.tokens))

	if e.head.Output() == model.PositionScores {
		for i := range scores {
			scores[i] = scores[i][:b.numSents[i]]
		}
	}
	return scores
}

func newResult(scores []float32) Result {
	label := 0
	for i, s := range scores {
		if s > scores[label] {
			label = i
		}
	}
	return Result{Scores: scores, Label: label}
}

var tracer = otel.Tracer("quiver/inference")
