package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/inference"
)

// datasetHeader partitions the result cache per caller.
const datasetHeader = "X-Quiver-Dataset"

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent processing classify requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_request_errors_total",
		Help: "Classify requests that failed, by status code",
	}, []string{"code"})
)

// ErrRequestTooLarge is returned for requests that could never be admitted.
var ErrRequestTooLarge = errors.New("request exceeds max concurrent examples")

type ClassifierInterface interface {
	Stream(ctx context.Context, examples []inference.Example) <-chan inference.StreamResult
}

type ForwarderInterface interface {
	Forward(ctx context.Context, results []inference.Result) error
}

type Server struct {
	engine    ClassifierInterface
	forwarder ForwarderInterface // nil when results stay local
	builder   *client.RecordBatchBuilder
	alloc     memory.Allocator
	sem       *semaphore.Weighted
	capacity  int64
}

func NewServer(engine ClassifierInterface, fwd ForwarderInterface, maxConcurrent int) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		engine:    engine,
		forwarder: fwd,
		builder:   client.NewRecordBatchBuilder(alloc),
		alloc:     alloc,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		capacity:  int64(maxConcurrent),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/classify", s.handleClassify)
	mux.HandleFunc("/classify/arrow", s.handleClassifyArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

var tracer = otel.Tracer("quiver-server")

// classify runs examples through the engine under admission control and
// forwards each finished chunk when a forwarder is configured. Forwarding
// failures are logged and do not fail the request.
func (s *Server) classify(ctx context.Context, examples []inference.Example) ([]inference.Result, error) {
	weight := int64(len(examples))
	// Acquire never succeeds for more than the semaphore holds.
	if weight > s.capacity {
		return nil, fmt.Errorf("%w: %d examples, limit %d", ErrRequestTooLarge, weight, s.capacity)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("server busy: %w", err)
	}
	defer s.sem.Release(weight)

	results := make([]inference.Result, 0, len(examples))
	for chunk := range s.engine.Stream(ctx, examples) {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		results = append(results, chunk.Results...)
		if s.forwarder != nil {
			if err := s.forwarder.Forward(ctx, chunk.Results); err != nil {
				log.Error().Err(err).Int("offset", chunk.Offset).Msg("Error forwarding chunk to Longbow")
			}
		}
	}
	if len(results) != len(examples) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("classified %d of %d examples", len(results), len(examples))
	}
	return results, nil
}

func requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if ds := r.Header.Get(datasetHeader); ds != "" {
		ctx = inference.WithDatasetID(ctx, ds)
	}
	return ctx
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, inference.ErrInvalidExample), errors.Is(err, client.ErrBadRecord):
		code = http.StatusBadRequest
	case errors.Is(err, ErrRequestTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	requestErrors.WithLabelValues(fmt.Sprint(code)).Inc()
	http.Error(w, err.Error(), code)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(requestContext(r), "handleClassify", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("classify").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var examples []inference.Example
	if err := cbor.NewDecoder(r.Body).Decode(&examples); err != nil {
		span.RecordError(err)
		requestErrors.WithLabelValues("400").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("example_count", len(examples)))

	results := []inference.Result{}
	if len(examples) > 0 {
		var err error
		if results, err = s.classify(ctx, examples); err != nil {
			span.RecordError(err)
			s.writeError(w, err)
			return
		}
	}

	body, err := cbor.Marshal(results)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleClassifyArrow reads an Arrow IPC stream of request records and
// answers with one result record per request record.
func (s *Server) handleClassifyArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(requestContext(r), "handleClassifyArrow", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("classify_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		requestErrors.WithLabelValues("400").Inc()
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var out bytes.Buffer
	writer := ipc.NewWriter(&out, ipc.WithSchema(client.ResultSchema), ipc.WithAllocator(s.alloc))
	total := 0

	for reader.Next() {
		examples, err := client.ReadExamples(reader.Record())
		if err != nil {
			_ = writer.Close()
			s.writeError(w, err)
			return
		}
		if len(examples) == 0 {
			continue
		}
		results, err := s.classify(ctx, examples)
		if err != nil {
			_ = writer.Close()
			span.RecordError(err)
			s.writeError(w, err)
			return
		}
		rec := s.builder.BuildResultRecord(results)
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			s.writeError(w, err)
			return
		}
		total += len(examples)
	}
	if err := reader.Err(); err != nil {
		_ = writer.Close()
		log.Error().Err(err).Msg("Error reading Arrow stream")
		requestErrors.WithLabelValues("400").Inc()
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}
	if err := writer.Close(); err != nil {
		s.writeError(w, err)
		return
	}

	span.SetAttributes(attribute.Int("example_count", total))
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
