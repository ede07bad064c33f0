package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fixgate/internal/config"
	"github.com/calvinalkan/fixgate/internal/engine"
	"github.com/calvinalkan/fixgate/internal/metrics"
	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

// IngestCmd returns the ingest command.
func IngestCmd(cfg *config.Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("ingest", flag.ContinueOnError)
	input := flags.StringP("input", "i", "-", "Read records from `file` (- for stdin)")
	batch := flags.Int("batch", engine.DefaultBatchSize, "Maximum records applied per duty cycle")
	metricsAddr := flags.String("metrics-addr", "", "Serve /metrics on `addr` (overrides metrics_addr)")

	return &Command{
		Flags: flags,
		Usage: "ingest [flags]",
		Short: "Index a record stream",
		Long: `Read "<connection> <session> <index> <seq> <length>" lines and apply
them to the index. Records at or below a connection's indexed position are
skipped, so re-running on the same stream resumes where the last run stopped.
The index is flushed on the configured interval and on exit.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			addr := cfg.MetricsAddr
			if *metricsAddr != "" {
				addr = *metricsAddr
			}

			return execIngest(ctx, o, cfg, logger, ingestOptions{input: *input, batch: *batch, metricsAddr: addr})
		},
	}
}

type ingestOptions struct {
	input       string
	batch       int
	metricsAddr string
}

func execIngest(ctx context.Context, o *IO, cfg *config.Config, logger *slog.Logger, opts ingestOptions) error {
	in := o.In()

	if opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()

		in = f
	}

	if in == nil {
		return errors.New("no input")
	}

	reg := metrics.NewRegistry()

	w, err := openWriter(cfg, logger, reg.FaultCounter(seqindex.NewLogHandler(logger)))
	if err != nil {
		return err
	}

	err = reg.WatchWriter(w)
	if err != nil {
		_ = w.Close()

		return fmt.Errorf("registering metrics: %w", err)
	}

	if opts.metricsAddr != "" {
		stop, err := serveMetrics(opts.metricsAddr, reg, logger)
		if err != nil {
			_ = w.Close()

			return err
		}
		defer stop()
	}

	src := engine.NewLineSource(in, w.IndexedPositions())

	ix, err := engine.New(engine.Options{
		Writer:    w,
		Source:    src,
		BatchSize: opts.batch,
		Logger:    logger,
	})
	if err != nil {
		_ = w.Close()

		return err
	}

	err = ix.Run(ctx)

	stats := ix.Stats()
	ws := w.Stats()

	o.Printf("applied=%d skipped=%d rejected=%d entries=%d positions=%d flushes=%d\n",
		stats.Applied, src.Skipped(), stats.Rejected, ws.Entries, ws.Positions, ws.Flushes)

	return err
}

// serveMetrics listens on addr and returns a function that shuts the server
// down.
func serveMetrics(addr string, reg *metrics.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}, nil
}

// ResetCmd returns the reset command.
func ResetCmd(cfg *config.Config, logger *slog.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("reset", flag.ContinueOnError),
		Usage: "reset",
		Short: "Forget every sequence number and position",
		Long: `Clear every entry and indexed stream position and persist the empty
index. Used when all sessions restart their sequence numbers.`,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execReset(o, cfg, logger)
		},
	}
}

func execReset(o *IO, cfg *config.Config, logger *slog.Logger) error {
	w, err := openWriter(cfg, logger, warnHandler(o))
	if err != nil {
		return err
	}

	before := w.Stats()
	w.ResetSequenceNumbers()

	err = w.Close()
	if err != nil {
		return fmt.Errorf("persisting reset: %w", err)
	}

	o.Printf("reset %d entries, %d positions\n", before.Entries, before.Positions)

	return nil
}
