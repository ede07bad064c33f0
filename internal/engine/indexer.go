// Package engine drives a sequence index writer from an inbound record
// source on a single duty-cycle goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

const (
	DefaultBatchSize = 256
	DefaultIdleMin   = time.Millisecond
	DefaultIdleMax   = 100 * time.Millisecond
)

// Writer is the part of [seqindex.Writer] the Indexer drives.
type Writer interface {
	OnRecord(rec seqindex.Record) error
	DoWork() int
	Close() error
}

// Options configures an [Indexer].
type Options struct {
	Writer Writer // required
	Source Source // required

	// BatchSize is the maximum number of records polled per duty cycle.
	BatchSize int

	// IdleMin and IdleMax bound the sleep after a cycle that did no work.
	// The sleep doubles on each idle cycle and resets once work is done.
	IdleMin time.Duration
	IdleMax time.Duration

	Logger *slog.Logger
}

// Indexer owns the writer for the duration of Run.
type Indexer struct {
	writer  Writer
	source  Source
	batch   []seqindex.Record
	idleMin time.Duration
	idleMax time.Duration
	logger  *slog.Logger

	applied  atomic.Int64
	rejected atomic.Int64
	cycles   atomic.Int64
}

// New validates opts and applies defaults.
func New(opts Options) (*Indexer, error) {
	if opts.Writer == nil || opts.Source == nil {
		return nil, fmt.Errorf("writer and source are required: %w", seqindex.ErrInvalidInput)
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.IdleMin <= 0 {
		opts.IdleMin = DefaultIdleMin
	}

	if opts.IdleMax < opts.IdleMin {
		opts.IdleMax = max(DefaultIdleMax, opts.IdleMin)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Indexer{
		writer:  opts.Writer,
		source:  opts.Source,
		batch:   make([]seqindex.Record, opts.BatchSize),
		idleMin: opts.IdleMin,
		idleMax: opts.IdleMax,
		logger:  opts.Logger,
	}, nil
}

// Run polls the source, applies records and lets the writer flush until the
// source is exhausted, ctx is done, or an unrecoverable error occurs. The
// writer is closed on every exit path, which performs the final flush.
//
// Records the writer rejects as invalid are logged and skipped. Context
// cancellation is a clean shutdown and returns nil.
func (ix *Indexer) Run(ctx context.Context) error {
	runErr := ix.loop(ctx)
	closeErr := ix.writer.Close()

	ix.logger.Info("indexer stopped",
		slog.Int64("applied", ix.applied.Load()),
		slog.Int64("rejected", ix.rejected.Load()),
		slog.Int64("cycles", ix.cycles.Load()),
	)

	if closeErr != nil {
		closeErr = fmt.Errorf("closing index: %w", closeErr)
	}

	return errors.Join(runErr, closeErr)
}

func (ix *Indexer) loop(ctx context.Context) error {
	idle := ix.idleMin

	for {
		if ctx.Err() != nil {
			return nil
		}

		work, done, err := ix.cycle()
		if err != nil || done {
			return err
		}

		if work > 0 {
			idle = ix.idleMin

			continue
		}

		timer := time.NewTimer(idle)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}

		idle = min(idle*2, ix.idleMax)
	}
}

// cycle is one duty-cycle iteration. done reports an exhausted source.
func (ix *Indexer) cycle() (int, bool, error) {
	ix.cycles.Add(1)

	n, pollErr := ix.source.Poll(ix.batch)

	for _, rec := range ix.batch[:n] {
		err := ix.writer.OnRecord(rec)

		switch {
		case err == nil:
			ix.applied.Add(1)
		case errors.Is(err, seqindex.ErrInvalidInput):
			ix.rejected.Add(1)
			ix.logger.Warn("skipping invalid record",
				slog.Int64("session_id", rec.SessionID),
				slog.Int("sequence_index", int(rec.SequenceIndex)),
				slog.Int("sequence_number", int(rec.SequenceNumber)),
				slog.String("error", err.Error()),
			)
		default:
			return n, false, fmt.Errorf("applying record: %w", err)
		}
	}

	work := n + ix.writer.DoWork()

	if errors.Is(pollErr, io.EOF) {
		return work, true, nil
	}

	if pollErr != nil {
		return work, false, fmt.Errorf("polling source: %w", pollErr)
	}

	return work, false, nil
}

// Stats is a point-in-time view of the Indexer's counters.
type Stats struct {
	Applied  int64
	Rejected int64
	Cycles   int64
}

func (ix *Indexer) Stats() Stats {
	return Stats{
		Applied:  ix.applied.Load(),
		Rejected: ix.rejected.Load(),
		Cycles:   ix.cycles.Load(),
	}
}
