package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/inference"
)

type mockClassifier struct {
	mock.Mock
}

// Stream answers each example with label = len(IDs), one chunk per call.
func (m *mockClassifier) Stream(ctx context.Context, examples []inference.Example) <-chan inference.StreamResult {
	args := m.Called(inference.DatasetID(ctx), len(examples))
	out := make(chan inference.StreamResult, 1)
	if err := args.Error(0); err != nil {
		out <- inference.StreamResult{Err: err}
	} else {
		results := make([]inference.Result, len(examples))
		for i, ex := range examples {
			results[i] = inference.Result{Scores: []float32{0.5}, Label: len(ex.IDs)}
		}
		out <- inference.StreamResult{Count: len(examples), Results: results}
	}
	close(out)
	return out
}

type mockForwarder struct {
	mock.Mock
}

func (m *mockForwarder) Forward(ctx context.Context, results []inference.Result) error {
	args := m.Called(len(results))
	return args.Error(0)
}

var examples = []inference.Example{
	{IDs: []int{1, 5, 2}, Clss: []int{0}},
	{IDs: []int{1, 6, 7, 2}},
}

func TestServer_Classify(t *testing.T) {
	t.Run("with forwarding", func(t *testing.T) {
		eng := &mockClassifier{}
		eng.On("Stream", "docs", 2).Return(nil).Once()
		fwd := &mockForwarder{}
		fwd.On("Forward", 2).Return(nil).Once()
		srv := NewServer(eng, fwd, 16)

		data, err := cbor.Marshal(examples)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(data))
		req.Header.Set(datasetHeader, "docs")
		rr := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))
		var results []inference.Result
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &results))
		require.Len(t, results, 2)
		assert.Equal(t, 3, results[0].Label)
		assert.Equal(t, 4, results[1].Label)
		eng.AssertExpectations(t)
		fwd.AssertExpectations(t)
	})

	t.Run("forwarding failure does not fail the request", func(t *testing.T) {
		eng := &mockClassifier{}
		eng.On("Stream", "", 2).Return(nil)
		fwd := &mockForwarder{}
		fwd.On("Forward", 2).Return(client.ErrCircuitOpen)
		srv := NewServer(eng, fwd, 16)

		data, _ := cbor.Marshal(examples)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(data)))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("empty request", func(t *testing.T) {
		eng := &mockClassifier{}
		srv := NewServer(eng, nil, 16)

		data, _ := cbor.Marshal([]inference.Example{})
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(data)))

		require.Equal(t, http.StatusOK, rr.Code)
		var results []inference.Result
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &results))
		assert.Empty(t, results)
		eng.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything)
	})

	t.Run("error mapping", func(t *testing.T) {
		cases := map[error]int{
			inference.ErrInvalidExample: http.StatusBadRequest,
			context.Canceled:            http.StatusServiceUnavailable,
			errors.New("boom"):          http.StatusInternalServerError,
		}
		for err, code := range cases {
			eng := &mockClassifier{}
			eng.On("Stream", "", 2).Return(err)
			srv := NewServer(eng, nil, 16)

			data, _ := cbor.Marshal(examples)
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(data)))
			assert.Equal(t, code, rr.Code, err.Error())
		}
	})

	t.Run("oversized request is rejected without waiting", func(t *testing.T) {
		eng := &mockClassifier{}
		srv := NewServer(eng, nil, 1)

		data, _ := cbor.Marshal(examples)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(data)).WithContext(ctx)
		rr := httptest.NewRecorder()

		start := time.Now()
		srv.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.Less(t, time.Since(start), time.Second)
		assert.Contains(t, rr.Body.String(), "limit 1")
		eng.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything)
	})

	t.Run("request at capacity is admitted", func(t *testing.T) {
		eng := &mockClassifier{}
		eng.On("Stream", "", 2).Return(nil).Once()
		srv := NewServer(eng, nil, 2)

		data, _ := cbor.Marshal(examples)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(data)))
		assert.Equal(t, http.StatusOK, rr.Code)
		eng.AssertExpectations(t)
	})

	t.Run("bad body", func(t *testing.T) {
		srv := NewServer(&mockClassifier{}, nil, 16)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader([]byte{0xff, 0x00})))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		srv := NewServer(&mockClassifier{}, nil, 16)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/classify", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestServer_ClassifyArrow(t *testing.T) {
	eng := &mockClassifier{}
	eng.On("Stream", "", 2).Return(nil).Twice()
	srv := NewServer(eng, nil, 16)

	alloc := memory.NewGoAllocator()
	req := client.NewRecordBatchBuilder(alloc).BuildRequestRecord(examples)
	defer req.Release()

	var body bytes.Buffer
	w := ipc.NewWriter(&body, ipc.WithSchema(req.Schema()))
	require.NoError(t, w.Write(req))
	require.NoError(t, w.Write(req))
	require.NoError(t, w.Close())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/classify/arrow", &body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	reader, err := ipc.NewReader(rr.Body, ipc.WithAllocator(alloc))
	require.NoError(t, err)
	defer reader.Release()
	assert.True(t, reader.Schema().Equal(client.ResultSchema))

	var labels []int32
	for reader.Next() {
		labels = append(labels, reader.Record().Column(0).(*array.Int32).Int32Values()...)
	}
	require.NoError(t, reader.Err())
	assert.Equal(t, []int32{3, 4, 3, 4}, labels)
	eng.AssertExpectations(t)
}

func TestServer_ClassifyArrowBadRecord(t *testing.T) {
	srv := NewServer(&mockClassifier{}, nil, 16)

	rec := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildResultRecord([]inference.Result{{Scores: []float32{1}}})
	defer rec.Release()
	var body bytes.Buffer
	w := ipc.NewWriter(&body, ipc.WithSchema(rec.Schema()))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/classify/arrow", &body))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(&mockClassifier{}, nil, 1)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestFlightServer_DoExchange(t *testing.T) {
	eng := &mockClassifier{}
	eng.On("Stream", "flight-ds", 2).Return(nil).Once()

	fs, err := newFlightServer("localhost:0", NewServer(eng, nil, 16))
	require.NoError(t, err)
	go func() { _ = fs.Serve() }()
	defer fs.Shutdown()

	fc, err := client.NewFlightClient(fs.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	req := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRequestRecord(examples)
	defer req.Release()

	recs, err := fc.Classify(context.Background(), "flight-ds", req)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	defer recs[0].Release()
	assert.Equal(t, []int32{3, 4}, recs[0].Column(0).(*array.Int32).Int32Values())
	eng.AssertExpectations(t)
}

func TestFlightServer_DoPutForwards(t *testing.T) {
	eng := &mockClassifier{}
	eng.On("Stream", "put-ds", 2).Return(nil).Once()
	fwd := &mockForwarder{}
	fwd.On("Forward", 2).Return(nil).Once()

	fs, err := newFlightServer("localhost:0", NewServer(eng, fwd, 16))
	require.NoError(t, err)
	go func() { _ = fs.Serve() }()
	defer fs.Shutdown()

	fc, err := client.NewFlightClient(fs.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	req := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRequestRecord(examples)
	defer req.Release()

	require.NoError(t, fc.DoPut(context.Background(), "put-ds", req))
	eng.AssertExpectations(t)
	fwd.AssertExpectations(t)
}
