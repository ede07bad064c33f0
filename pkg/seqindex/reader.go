package seqindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Entry is one indexed key with its last sequence number.
type Entry struct {
	SessionID      int64
	SequenceIndex  int32
	SequenceNumber int32
}

// Position is the indexed stream position of one connection.
type Position struct {
	ConnectionID int64
	Position     int64
}

// Reader answers lookups over a buffer in the persisted layout: the live
// buffer of a [Writer] in the same process, or a mapped snapshot file.
//
// A Reader never mutates its buffer. All methods are safe for concurrent use,
// including concurrently with the Writer that owns a live buffer.
//
// A Reader whose header failed validation stays usable and behaves as empty.
// Keys stored in a corrupt sector resolve as unseen while keys in every other
// sector stay reachable; each corrupt sector is reported to the
// [ErrorHandler] once per Reader.
type Reader struct {
	buf     []byte
	path    string
	handler ErrorHandler
	hdr     Header
	valid   bool
	static  bool

	// reported has one bit per sector, set once that sector's corruption was
	// reported.
	reported []atomic.Uint64

	closeFn func() error
	closed  atomic.Bool
}

// NewReader validates the header of buf and every sector it declares.
//
// It fails only with [ErrTooSmall] when buf cannot even hold a header. An
// invalid header is reported to handler exactly once, and the returned Reader
// answers every lookup with [UnknownSession]. A nil handler discards faults.
func NewReader(buf []byte, handler ErrorHandler) (*Reader, error) {
	return newReader(buf, handler, "", false)
}

// newReader builds a Reader. A static buffer is never mutated after this
// call (a mapped file or a loaded snapshot), so its generation is ignored.
func newReader(buf []byte, handler ErrorHandler, path string, static bool) (*Reader, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("buffer of %d bytes, need at least %d: %w", len(buf), HeaderSize, ErrTooSmall)
	}

	if handler == nil {
		handler = discardHandler
	}

	if !aligned(buf) {
		buf = bytes.Clone(buf)
	}

	r := &Reader{buf: buf, path: path, handler: handler, static: static}

	hdr, err := ValidateHeader(buf)
	if err != nil {
		handler.OnError(headerFault(path, err))

		return r, nil
	}

	r.hdr = hdr
	r.valid = true
	r.reported = make([]atomic.Uint64, (int(hdr.EntrySectors+hdr.PositionSectors)+63)/64)

	var sector [SectorSize]byte

	for _, reg := range [...]region{hdr.entryRegion(), hdr.positionRegion()} {
		for s := range reg.sectors {
			r.verifySector(reg, s, &sector)
		}
	}

	return r, nil
}

// Header returns the validated header. It is the zero Header when
// [Reader.Valid] is false.
func (r *Reader) Header() Header { return r.hdr }

// Valid reports whether the header passed validation.
func (r *Reader) Valid() bool { return r.valid }

// CorruptSectors returns the indices of the sectors reported corrupt so far,
// counting entry sectors first and position sectors after them.
func (r *Reader) CorruptSectors() []int {
	var out []int

	for i := range r.reported {
		w := r.reported[i].Load()
		for b := range 64 {
			if w&(1<<b) != 0 {
				out = append(out, i*64+b)
			}
		}
	}

	return out
}

// Close releases the mapping of a Reader created by [OpenReader]. It is a
// no-op for other Readers. The Reader must not be used after Close.
func (r *Reader) Close() error {
	if r.closed.Swap(true) || r.closeFn == nil {
		return nil
	}

	return r.closeFn()
}

// LastKnownSequenceNumber returns the last sequence number recorded for the
// key, or ([UnknownSession], false) if the key is unseen.
func (r *Reader) LastKnownSequenceNumber(sessionID int64, sequenceIndex int32) (int32, bool) {
	if !r.usable() {
		return UnknownSession, false
	}

	w1, found := r.probe(r.hdr.entryRegion(), entryKeyHash(sessionID, sequenceIndex), func(w0, w1 uint64) probeStep {
		if entryIsEmpty(w1) {
			return probeMiss
		}

		idx, _ := unpackEntryW1(w1)
		if int64(w0) == sessionID && idx == sequenceIndex {
			return probeHit
		}

		return probeNext
	})
	if !found {
		return UnknownSession, false
	}

	_, seq := unpackEntryW1(w1)

	return seq, true
}

// LastKnownSequenceNumberDefault looks up the session in [DefaultSequenceIndex].
func (r *Reader) LastKnownSequenceNumberDefault(sessionID int64) (int32, bool) {
	return r.LastKnownSequenceNumber(sessionID, DefaultSequenceIndex)
}

// IndexedPosition returns the last indexed stream position of the connection,
// or 0 if none was recorded.
func (r *Reader) IndexedPosition(connectionID int64) int64 {
	if !r.usable() {
		return 0
	}

	w1, found := r.probe(r.hdr.positionRegion(), positionKeyHash(connectionID), func(w0, w1 uint64) probeStep {
		if w1 == 0 {
			return probeMiss
		}

		if int64(w0) == connectionID {
			return probeHit
		}

		return probeNext
	})
	if !found {
		return 0
	}

	return int64(w1)
}

// Range calls fn for every entry in sectors that verify, in slot order, until
// fn returns false.
func (r *Reader) Range(fn func(Entry) bool) {
	r.rangeRegion(r.hdr.entryRegion(), func(w0, w1 uint64) bool {
		if entryIsEmpty(w1) {
			return true
		}

		idx, seq := unpackEntryW1(w1)

		return fn(Entry{SessionID: int64(w0), SequenceIndex: idx, SequenceNumber: seq})
	})
}

// RangePositions calls fn for every indexed position in sectors that verify,
// until fn returns false.
func (r *Reader) RangePositions(fn func(Position) bool) {
	r.rangeRegion(r.hdr.positionRegion(), func(w0, w1 uint64) bool {
		if w1 == 0 {
			return true
		}

		return fn(Position{ConnectionID: int64(w0), Position: int64(w1)})
	})
}

func (r *Reader) usable() bool {
	return r.valid && !r.closed.Load()
}

func (r *Reader) generation() uint64 {
	if r.static {
		return 0
	}

	return loadWord(r.buf, offGeneration)
}

func (r *Reader) rangeRegion(reg region, fn func(w0, w1 uint64) bool) {
	if !r.usable() {
		return
	}

	var sector [SectorSize]byte

	for s := range reg.sectors {
		if !r.verifySector(reg, s, &sector) {
			continue
		}

		for i := range RecordsPerSector {
			rec := sector[i*RecordSize:]
			if !fn(binary.LittleEndian.Uint64(rec), binary.LittleEndian.Uint64(rec[8:])) {
				return
			}
		}
	}
}

type probeStep uint8

const (
	probeNext probeStep = iota
	probeHit
	probeMiss
)

// probe walks the linear probe sequence starting at the key's home slot and
// returns the second word of the record step accepts. Each sector the walk
// enters is copied and verified first. The walk steps over a corrupt sector
// and continues in the next one, so only keys stored in the corrupt sector go
// missing. A miss is an empty slot in a verified sector or a full wrap.
func (r *Reader) probe(reg region, hash uint64, step func(w0, w1 uint64) probeStep) (uint64, bool) {
	var sector [SectorSize]byte

	for attempt := range readMaxRetries {
		readBackoff(attempt)

		w1, found, err := r.probeOnce(reg, hash, step, &sector)
		if errors.Is(err, errOverlap) {
			continue
		}

		return w1, found
	}

	r.handler.OnError(&Fault{Kind: ErrBusy, Path: r.path, Err: errRetriesExhausted})

	return 0, false
}

func (r *Reader) probeOnce(reg region, hash uint64, step func(w0, w1 uint64) probeStep, sector *[SectorSize]byte) (uint64, bool, error) {
	slots := reg.slots()
	home := int(hash % uint64(slots))
	cur := -1

	for i := 0; i < slots; i++ {
		slot := (home + i) % slots

		if s := slot / RecordsPerSector; s != cur {
			ok, err := r.readSector(reg, s, sector)
			if err != nil {
				return 0, false, err
			}

			if !ok {
				// Continue at the first slot of the next sector.
				i += RecordsPerSector - 1 - slot%RecordsPerSector
				cur = -1

				continue
			}

			cur = s
		}

		rec := sector[(slot%RecordsPerSector)*RecordSize:]
		w0 := binary.LittleEndian.Uint64(rec)
		w1 := binary.LittleEndian.Uint64(rec[8:])

		switch step(w0, w1) {
		case probeHit:
			return w1, true, nil
		case probeMiss:
			return 0, false, nil
		case probeNext:
		}
	}

	return 0, false, nil
}

// verifySector copies one sector into dst under the seqlock and reports
// whether it is intact. Corruption is reported; exhausting retries is not.
func (r *Reader) verifySector(reg region, s int, dst *[SectorSize]byte) bool {
	for attempt := range readMaxRetries {
		readBackoff(attempt)

		ok, err := r.readSector(reg, s, dst)
		if errors.Is(err, errOverlap) {
			continue
		}

		return ok
	}

	return false
}

// readSector copies a sector and checks its checksum. A copy whose checksum
// matches is a consistent state of the sector. A mismatch while a write was in
// progress or the generation moved is an overlap with a concurrent write
// (errOverlap); otherwise the sector is corrupt and reported.
func (r *Reader) readSector(reg region, s int, dst *[SectorSize]byte) (bool, error) {
	off := reg.sectorOffset(s)
	gen := r.generation()

	loadBytes(dst[:], r.buf[off:off+SectorSize])

	if SectorChecksum(dst[:]) == storedSectorChecksum(dst[:]) {
		return true, nil
	}

	if gen%2 == 1 || r.generation() != gen {
		return false, errOverlap
	}

	r.reportSector(reg.firstSector+s, off)

	return false, nil
}

func (r *Reader) reportSector(global, off int) {
	mask := uint64(1) << (global % 64)
	if r.reported[global/64].Or(mask)&mask != 0 {
		return
	}

	r.handler.OnError(sectorFault(r.path, off))
}

var (
	// errOverlap is an internal sentinel indicating a read overlapped with a
	// concurrent write. Callers retry.
	errOverlap = errors.New("seqindex: internal: read overlapped with concurrent write")

	errRetriesExhausted = errors.New("read retries exhausted under concurrent writes")
)

// Retry configuration for reads under seqlock contention.
const (
	readMaxRetries     = 10
	readInitialBackoff = 50 * time.Microsecond
	readMaxBackoff     = 1 * time.Millisecond
)

// readBackoff waits for an exponentially increasing duration based on the
// attempt number (0-indexed).
func readBackoff(attempt int) {
	if attempt == 0 {
		return
	}

	time.Sleep(min(readInitialBackoff<<(attempt-1), readMaxBackoff))
}
