package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/inference"
)

// ErrCircuitOpen is returned while the breaker rejects forwarding.
var ErrCircuitOpen = errors.New("longbow circuit open")

// Putter is the part of FlightClient the forwarder needs.
type Putter interface {
	DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error
}

// Forwarder ships result records to a Longbow dataset and stops trying
// while Longbow keeps failing.
type Forwarder struct {
	putter  Putter
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
	dataset string
}

func NewForwarder(putter Putter, breaker *CircuitBreaker, dataset string) *Forwarder {
	return &Forwarder{
		putter:  putter,
		breaker: breaker,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
		dataset: dataset,
	}
}

// Forward sends results as one record. Empty input is a no-op.
func (f *Forwarder) Forward(ctx context.Context, results []inference.Result) error {
	rec := f.builder.BuildResultRecord(results)
	if rec == nil {
		return nil
	}
	defer rec.Release()

	if !f.breaker.Allow() {
		forwardedRecords.WithLabelValues("rejected").Inc()
		return ErrCircuitOpen
	}
	if err := f.putter.DoPut(ctx, f.dataset, rec); err != nil {
		f.breaker.Failure()
		forwardedRecords.WithLabelValues("failed").Inc()
		return fmt.Errorf("forward to %s: %w", f.dataset, err)
	}
	f.breaker.Success()
	forwardedRecords.WithLabelValues("ok").Inc()
	return nil
}

// State exposes the breaker state for health reporting.
func (f *Forwarder) State() State { return f.breaker.State() }
