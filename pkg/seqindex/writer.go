package seqindex

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Defaults applied by [Open] to zero [Options] fields.
const (
	DefaultCapacity         = 1024
	DefaultPositionCapacity = 64
	DefaultFlushInterval    = 10 * time.Second
)

// Options configures a [Writer].
type Options struct {
	// Store persists snapshots. Required.
	Store Store

	// Capacity is the initial number of distinct keys before the first roll.
	// A recovered snapshot with a larger capacity keeps its capacity.
	Capacity uint64

	// PositionCapacity is the initial number of distinct connections before
	// the position table rolls.
	PositionCapacity uint64

	// FlushInterval is the minimum time between two flushes triggered by
	// [Writer.DoWork].
	FlushInterval time.Duration

	// Clock defaults to the system clock.
	Clock Clock

	// ErrorHandler receives structural faults. Defaults to a [LogHandler] on
	// Logger.
	ErrorHandler ErrorHandler

	// Logger defaults to a logger that discards everything.
	Logger *slog.Logger
}

// Record is one inbound message event.
type Record struct {
	SessionID      int64
	SequenceIndex  int32
	SequenceNumber int32
	ConnectionID   int64

	// StreamOffset is the connection's stream position once this record is
	// consumed. The indexed position only ever advances.
	StreamOffset int64
	Length       int32
}

// Writer owns the live table and persists it through a [Store].
//
// OnRecord, DoWork, ResetSequenceNumbers, Close and the lookup methods must be
// called from one goroutine, the one driving ingestion. NewReader,
// RequestFlush and Stats are safe from any goroutine.
type Writer struct {
	store    Store
	clock    Clock
	handler  ErrorHandler
	logger   *slog.Logger
	interval time.Duration
	path     string

	// maxCapacity bounds rolls.
	maxCapacity uint64

	live atomic.Pointer[table]

	dirty     bool
	closed    bool
	lastFlush time.Time
	force     atomic.Bool

	records       atomic.Int64
	entries       atomic.Int64
	positions     atomic.Int64
	rolls         atomic.Int64
	flushes       atomic.Int64
	flushFailures atomic.Int64
	resets        atomic.Int64
}

// Open creates a Writer and recovers the last snapshot from opts.Store.
//
// A missing snapshot starts an empty table. A snapshot with a corrupt header
// is reported once and also starts empty; corrupt sectors are reported and
// their records dropped. Open fails only on invalid options or when the store
// cannot be read at all.
func Open(opts Options) (*Writer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required: %w", ErrInvalidInput)
	}

	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}

	if opts.PositionCapacity == 0 {
		opts.PositionCapacity = DefaultPositionCapacity
	}

	if opts.Capacity > maxCapacity || opts.PositionCapacity > maxCapacity {
		return nil, fmt.Errorf("capacity %d/%d exceeds %d: %w",
			opts.Capacity, opts.PositionCapacity, maxCapacity, ErrInvalidInput)
	}

	if opts.FlushInterval < 0 {
		return nil, fmt.Errorf("negative flush interval %s: %w", opts.FlushInterval, ErrInvalidInput)
	}

	if opts.FlushInterval == 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.ErrorHandler == nil {
		opts.ErrorHandler = NewLogHandler(opts.Logger)
	}

	w := &Writer{
		store:    opts.Store,
		clock:    opts.Clock,
		handler:  opts.ErrorHandler,
		logger:   opts.Logger,
		interval: opts.FlushInterval,

		maxCapacity: maxCapacity,
	}

	if p, ok := opts.Store.(interface{ Path() string }); ok {
		w.path = p.Path()
	}

	t, err := w.recover(opts.Capacity, opts.PositionCapacity)
	if err != nil {
		return nil, err
	}

	w.live.Store(t)
	w.syncCounts(t)
	w.lastFlush = w.clock.Now()

	return w, nil
}

func (w *Writer) recover(entryCap, positionCap uint64) (*table, error) {
	snap, err := w.store.Load()
	if errors.Is(err, ErrNotFound) {
		return newTable(entryCap, positionCap), nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}

	faults := 0
	counting := ErrorHandlerFunc(func(err error) {
		faults++
		w.handler.OnError(err)
	})

	r, err := newReader(snap, counting, w.path, true)
	if err != nil {
		counting.OnError(headerFault(w.path, err))
	}

	if r == nil || !r.Valid() {
		w.dirty = true
		w.logger.Warn("discarding unreadable index snapshot", slog.String("path", w.path))

		return newTable(entryCap, positionCap), nil
	}

	var (
		entries   []Entry
		positions []Position
	)

	r.Range(func(e Entry) bool {
		entries = append(entries, e)

		return true
	})
	r.RangePositions(func(p Position) bool {
		positions = append(positions, p)

		return true
	})

	hdr := r.Header()
	t := newTable(
		max(entryCap, hdr.EntryCapacity, uint64(len(entries))),
		max(positionCap, hdr.PositionCapacity, uint64(len(positions))),
	)

	for _, e := range entries {
		t.placeEntry(e.SessionID, e.SequenceIndex, e.SequenceNumber)
	}

	for _, p := range positions {
		t.placePosition(p.ConnectionID, p.Position)
	}

	t.sealAll()

	if faults > 0 {
		w.dirty = true
	}

	w.logger.Info("recovered sequence index",
		slog.String("path", w.path),
		slog.Int("entries", t.entryCount),
		slog.Int("positions", t.positionCount),
		slog.Int("corrupt_sectors", faults),
	)

	return t, nil
}

// OnRecord upserts the record's key to its sequence number (last write wins)
// and advances the connection's indexed position. It never does I/O; a full
// table rolls into one of twice the capacity.
func (w *Writer) OnRecord(rec Record) error {
	if w.closed {
		return ErrClosed
	}

	if rec.SequenceNumber < 0 {
		return fmt.Errorf("sequence number %d: %w", rec.SequenceNumber, ErrInvalidInput)
	}

	t := w.live.Load()

	// Grow before mutating, so a record that cannot fit leaves the table as
	// it was.
	entryCap, positionCap := t.hdr.EntryCapacity, t.hdr.PositionCapacity

	if !t.entryFits(rec.SessionID, rec.SequenceIndex) {
		entryCap *= 2
	}

	if !t.positionFits(rec.ConnectionID, rec.StreamOffset) {
		positionCap *= 2
	}

	if entryCap != t.hdr.EntryCapacity || positionCap != t.hdr.PositionCapacity {
		next, err := w.roll(t, entryCap, positionCap)
		if err != nil {
			return err
		}

		t = next
	}

	t.setEntry(rec.SessionID, rec.SequenceIndex, rec.SequenceNumber)
	t.advancePosition(rec.ConnectionID, rec.StreamOffset)

	w.dirty = true
	w.records.Add(1)
	w.syncCounts(t)

	return nil
}

func (w *Writer) roll(t *table, entryCap, positionCap uint64) (*table, error) {
	if entryCap > w.maxCapacity || positionCap > w.maxCapacity {
		return nil, fmt.Errorf("rolling to %d/%d: %w", entryCap, positionCap, ErrFull)
	}

	next := t.grown(entryCap, positionCap)
	w.live.Store(next)
	w.rolls.Add(1)
	w.dirty = true

	w.logger.Info("sequence index rolled",
		slog.Uint64("entry_capacity", next.hdr.EntryCapacity),
		slog.Uint64("position_capacity", next.hdr.PositionCapacity),
	)

	return next, nil
}

// DoWork performs at most one flush and reports the work done (0 or 1).
//
// It flushes when the table is dirty and FlushInterval has elapsed since the
// last flush attempt, or when [Writer.RequestFlush] was called. A failed flush
// still counts as work: it is reported as an [ErrIO] fault, the table stays
// dirty, and the next attempt waits another interval.
func (w *Writer) DoWork() int {
	if w.closed {
		return 0
	}

	forced := w.force.Load()
	if !w.dirty && !forced {
		return 0
	}

	now := w.clock.Now()
	if !forced && now.Sub(w.lastFlush) < w.interval {
		return 0
	}

	w.force.Store(false)
	_ = w.flush(now)

	return 1
}

// RequestFlush makes the next DoWork flush regardless of the interval.
func (w *Writer) RequestFlush() {
	w.force.Store(true)
}

func (w *Writer) flush(now time.Time) error {
	t := w.live.Load()

	err := w.store.Save(t.buf)
	w.lastFlush = now

	if err != nil {
		w.flushFailures.Add(1)
		w.handler.OnError(&Fault{Kind: ErrIO, Path: w.path, Err: err})

		return err
	}

	w.dirty = false
	w.flushes.Add(1)

	return nil
}

// ResetSequenceNumbers clears every entry and indexed position in one step.
// The next flush persists the reset.
func (w *Writer) ResetSequenceNumbers() {
	if w.closed {
		return
	}

	t := w.live.Load()
	t.reset()

	w.dirty = true
	w.resets.Add(1)
	w.syncCounts(t)

	w.logger.Info("sequence numbers reset")
}

// Close flushes once more, regardless of the interval or dirtiness, and
// closes the store. Closing an empty Writer still persists an empty,
// correctly headed snapshot. Close is idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	flushErr := w.flush(w.clock.Now())
	closeErr := w.store.Close()

	return errors.Join(flushErr, closeErr)
}

// LastKnownSequenceNumber answers from the live table.
func (w *Writer) LastKnownSequenceNumber(sessionID int64, sequenceIndex int32) (int32, bool) {
	return w.live.Load().lookupEntry(sessionID, sequenceIndex)
}

// IndexedPosition answers from the live table.
func (w *Writer) IndexedPosition(connectionID int64) int64 {
	return w.live.Load().lookupPosition(connectionID)
}

// IndexedPositions returns every connection's indexed position. After
// recovery these are the points to resume the inbound streams from.
func (w *Writer) IndexedPositions() map[int64]int64 {
	out := make(map[int64]int64)

	w.live.Load().forEachPosition(func(p Position) {
		out[p.ConnectionID] = p.Position
	})

	return out
}

// NewReader returns a Reader over the current live buffer. After a roll the
// Reader keeps observing the buffer it was created on; obtain a new one to
// see later records.
func (w *Writer) NewReader(handler ErrorHandler) *Reader {
	// The live buffer always holds at least a header.
	r, _ := newReader(w.live.Load().buf, handler, "", false)

	return r
}

// Stats is a point-in-time view of a Writer's counters.
type Stats struct {
	Records          int64
	Entries          int64
	Positions        int64
	EntryCapacity    uint64
	PositionCapacity uint64
	Rolls            int64
	Flushes          int64
	FlushFailures    int64
	Resets           int64
}

// Stats returns the current counters.
func (w *Writer) Stats() Stats {
	hdr := w.live.Load().hdr

	return Stats{
		Records:          w.records.Load(),
		Entries:          w.entries.Load(),
		Positions:        w.positions.Load(),
		EntryCapacity:    hdr.EntryCapacity,
		PositionCapacity: hdr.PositionCapacity,
		Rolls:            w.rolls.Load(),
		Flushes:          w.flushes.Load(),
		FlushFailures:    w.flushFailures.Load(),
		Resets:           w.resets.Load(),
	}
}

func (w *Writer) syncCounts(t *table) {
	w.entries.Store(int64(t.entryCount))
	w.positions.Store(int64(t.positionCount))
}
