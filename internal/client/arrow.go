package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/inference"
)

// Column names of the request and result records.
const (
	ColInputIDs   = "input_ids"
	ColSegmentIDs = "segment_ids"
	ColClsIDs     = "cls_ids"
	ColLabel      = "label"
	ColScores     = "scores"
)

// ErrBadRecord is returned when a request record does not have the expected layout.
var ErrBadRecord = errors.New("bad record")

// ResultSchema is the layout of every record produced by BuildResultRecord.
var ResultSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColLabel, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColScores, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// RecordBatchBuilder converts between Arrow records and engine values.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildResultRecord converts results into a record with ResultSchema.
// It returns nil for an empty slice.
func (b *RecordBatchBuilder) BuildResultRecord(results []inference.Result) arrow.RecordBatch {
	if len(results) == 0 {
		return nil
	}

	labels := array.NewInt32Builder(b.mem)
	defer labels.Release()

	scores := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer scores.Release()
	values := scores.ValueBuilder().(*array.Float32Builder)

	for _, r := range results {
		labels.Append(int32(r.Label))
		scores.Append(true)
		values.AppendValues(r.Scores, nil)
	}

	cols := []arrow.Array{labels.NewArray(), scores.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecordBatch(ResultSchema, cols, int64(len(results)))
}

// BuildRequestRecord is the inverse of ReadExamples, used by clients of the
// classify endpoints.
func (b *RecordBatchBuilder) BuildRequestRecord(examples []inference.Example) arrow.RecordBatch {
	fields := []arrow.Field{
		{Name: ColInputIDs, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: ColSegmentIDs, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: true},
		{Name: ColClsIDs, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: true},
	}
	get := []func(inference.Example) []int{
		func(ex inference.Example) []int { return ex.IDs },
		func(ex inference.Example) []int { return ex.Segments },
		func(ex inference.Example) []int { return ex.Clss },
	}

	cols := make([]arrow.Array, len(fields))
	for c := range fields {
		lb := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
		vb := lb.ValueBuilder().(*array.Int32Builder)
		for _, ex := range examples {
			seq := get[c](ex)
			if seq == nil && c > 0 {
				lb.AppendNull()
				continue
			}
			lb.Append(true)
			for _, v := range seq {
				vb.Append(int32(v))
			}
		}
		cols[c] = lb.NewArray()
		lb.Release()
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(arrow.NewSchema(fields, nil), cols, int64(len(examples)))
}

// ReadExamples decodes a request record. input_ids is required; segment_ids
// and cls_ids are optional and a null entry leaves the field empty.
func ReadExamples(rec arrow.RecordBatch) ([]inference.Example, error) {
	ids, err := int32ListColumn(rec, ColInputIDs, true)
	if err != nil {
		return nil, err
	}
	segs, err := int32ListColumn(rec, ColSegmentIDs, false)
	if err != nil {
		return nil, err
	}
	clss, err := int32ListColumn(rec, ColClsIDs, false)
	if err != nil {
		return nil, err
	}

	examples := make([]inference.Example, rec.NumRows())
	for i := range examples {
		examples[i].IDs = listRow(ids, i)
		if segs != nil {
			examples[i].Segments = listRow(segs, i)
		}
		if clss != nil {
			examples[i].Clss = listRow(clss, i)
		}
	}
	return examples, nil
}

func int32ListColumn(rec arrow.RecordBatch, name string, required bool) (*array.List, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		if required {
			return nil, fmt.Errorf("%w: missing column %q", ErrBadRecord, name)
		}
		return nil, nil
	}
	col, ok := rec.Column(indices[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: column %q is %s, want list<int32>", ErrBadRecord, name, rec.Column(indices[0]).DataType())
	}
	if _, ok := col.ListValues().(*array.Int32); !ok {
		return nil, fmt.Errorf("%w: column %q has %s values, want int32", ErrBadRecord, name, col.ListValues().DataType())
	}
	return col, nil
}

func listRow(col *array.List, i int) []int {
	if col.IsNull(i) {
		return nil
	}
	values := col.ListValues().(*array.Int32)
	start, end := col.ValueOffsets(i)
	row := make([]int, 0, end-start)
	for j := start; j < end; j++ {
		row = append(row, int(values.Value(int(j))))
	}
	return row
}
