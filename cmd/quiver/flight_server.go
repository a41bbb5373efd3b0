package main

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/inference"
)

// QuiverFlightServer classifies request records sent over Flight. The first
// path element of the descriptor, when present, names the dataset.
type QuiverFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewQuiverFlightServer(srv *Server) *QuiverFlightServer {
	return &QuiverFlightServer{srv: srv}
}

func datasetContext(ctx context.Context, desc *flight.FlightDescriptor) context.Context {
	if desc != nil && len(desc.Path) > 0 && desc.Path[0] != "" {
		return inference.WithDatasetID(ctx, desc.Path[0])
	}
	return ctx
}

// DoExchange streams back one result record per request record.
func (s *QuiverFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	ctx := datasetContext(stream.Context(), reader.LatestFlightDescriptor())
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.ResultSchema))
	defer writer.Close()

	for reader.Next() {
		examples, err := client.ReadExamples(reader.Record())
		if err != nil {
			return err
		}
		if len(examples) == 0 {
			continue
		}
		results, err := s.srv.classify(ctx, examples)
		if err != nil {
			return err
		}
		rec := s.srv.builder.BuildResultRecord(results)
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DoPut classifies request records without answering; results only reach
// Longbow through the forwarder.
func (s *QuiverFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	ctx := datasetContext(stream.Context(), reader.LatestFlightDescriptor())
	for reader.Next() {
		rec := reader.Record()
		examples, err := client.ReadExamples(rec)
		if err != nil {
			return err
		}
		if _, err := s.srv.classify(ctx, examples); err != nil {
			return err
		}
		log.Debug().Int64("rows", rec.NumRows()).Msg("DoPut classified batch")
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func newFlightServer(addr string, srv *Server) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewQuiverFlightServer(srv))
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	return server, nil
}
