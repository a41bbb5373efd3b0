package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/inference"
)

var (
	configPath    = flag.String("config", "", "Path to YAML config file")
	weightsPath   = flag.String("weights", "", "Path to raw float32 weights file (overrides bert.weights)")
	headKind      = flag.String("head", "", "Aggregation head: classifier, transformer, rnn, baseline")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	numExamples   = flag.Int("examples", 3, "Number of synthetic documents for one-shot and soak runs")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 0, "Maximum number of concurrent examples to process")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

// applyFlags overrides cfg with every flag given on the command line.
func applyFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "weights":
			cfg.Bert.Weights = *weightsPath
		case "head":
			cfg.Model.Head = *headKind
		case "server":
			cfg.Server.Longbow = *serverAddr
		case "dataset":
			cfg.Server.Dataset = *datasetName
		case "listen":
			cfg.Server.Listen = *listenAddr
		case "flight":
			cfg.Server.Flight = *flightAddr
		case "max-concurrent":
			cfg.Server.MaxConcurrent = *maxConcurrent
		case "otel":
			cfg.Server.OTel = *enableOTel
		}
	})
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	applyFlags(flag.CommandLine, &cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	if cfg.Server.OTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	engine, err := inference.NewEngine(cfg.EngineOptions(), device.NewCPUBackend())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}
	log.Info().
		Str("head", cfg.Model.Head).
		Str("output", engine.Head().Output().String()).
		Int("params", engine.Params().Len()).
		Int("scalars", engine.Params().NumScalars()).
		Msg("Engine ready")

	var fc *client.FlightClient
	var fwd *client.Forwarder
	if cfg.Server.Longbow != "" {
		fc, err = client.NewFlightClient(cfg.Server.Longbow)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		breaker := client.NewCircuitBreaker(cfg.Server.BreakerFailures, cfg.Server.BreakerTimeout)
		fwd = client.NewForwarder(fc, breaker, cfg.Server.Dataset)
		log.Info().Str("addr", cfg.Server.Longbow).Str("dataset", cfg.Server.Dataset).Msg("Forwarding results to Longbow")
	}

	if cfg.Server.Listen != "" || cfg.Server.Flight != "" {
		var forwarder ForwarderInterface
		if fwd != nil {
			forwarder = fwd
		}
		if err := serve(cfg.Server, NewServer(engine, forwarder, cfg.Server.MaxConcurrent)); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	examples := inference.GenerateExamples(*numExamples, cfg.Bert.VocabSize, cfg.Bert.MaxPositionEmbeddings, cfg.Model.Seed)

	if *duration > 0 {
		soak(engine, examples, *duration)
		return
	}

	start := time.Now()
	results, err := engine.Classify(context.Background(), examples)
	if err != nil {
		log.Fatal().Err(err).Msg("Classification failed")
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", len(examples)).
		Dur("elapsed", elapsed).
		Float64("eps", float64(len(examples))/elapsed.Seconds()).
		Msg("Classified examples")

	if fwd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := fwd.Forward(ctx, results); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent results to Longbow")
		return
	}

	rec := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildResultRecord(results)
	if rec == nil {
		return
	}
	defer rec.Release()
	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

// serve runs the configured HTTP and Flight listeners until SIGINT/SIGTERM.
func serve(cfg config.Server, srv *Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Listen != "" {
		httpSrv := &http.Server{Addr: cfg.Listen, Handler: srv.Handler()}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Listen).Msg("Starting Quiver Server")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Flight != "" {
		fs, err := newFlightServer(cfg.Flight, srv)
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info().Str("addr", fs.Addr().String()).Msg("Starting Quiver Flight Server")
			return fs.Serve()
		})
		g.Go(func() error {
			<-ctx.Done()
			fs.Shutdown()
			return nil
		})
	}

	return g.Wait()
}

func soak(engine *inference.Engine, examples []inference.Example, d time.Duration) {
	log.Info().Str("duration", d.String()).Int("examples", len(examples)).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var total int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := engine.Classify(context.Background(), examples); err != nil {
			log.Fatal().Err(err).Msg("Soak iteration failed")
		}
		total += int64(len(examples))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_examples", total).
				Float64("eps", float64(total)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_examples", total).
		Dur("total_time", totalElapsed).
		Float64("avg_eps", float64(total)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
