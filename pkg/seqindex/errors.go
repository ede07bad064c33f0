package seqindex

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by seqindex operations and carried by [Fault].
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, seqindex.ErrSectorCorrupt) {
//	    // some keys resolve as unseen until the next flush rewrites the file
//	}
var (
	// ErrHeaderCorrupt indicates the header failed validation (magic, version,
	// geometry or checksum). The whole buffer is treated as empty.
	ErrHeaderCorrupt = errors.New("seqindex: header corrupt")

	// ErrSectorCorrupt indicates a body sector's checksum does not match its
	// records. Only keys stored in that sector resolve as unseen.
	ErrSectorCorrupt = errors.New("seqindex: sector corrupt")

	// ErrIO indicates reading, writing, syncing or renaming the backing file
	// failed. The in-memory table stays authoritative; durability for that
	// flush cycle is skipped.
	ErrIO = errors.New("seqindex: io failure")

	// ErrTooSmall indicates a buffer too small to contain a header.
	// [NewReader] fails with this error instead of degrading.
	ErrTooSmall = errors.New("seqindex: buffer too small")

	// ErrInvalidInput indicates invalid arguments were provided.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("seqindex: invalid input")

	// ErrClosed indicates the [Writer] or [Reader] has already been closed.
	ErrClosed = errors.New("seqindex: closed")

	// ErrBusy indicates the index is owned by another writer, or a read kept
	// overlapping with concurrent writes.
	//
	// Recovery: retry after a short delay.
	ErrBusy = errors.New("seqindex: busy")

	// ErrFull indicates a roll would exceed the largest supported capacity.
	ErrFull = errors.New("seqindex: full")

	// ErrNotFound is returned by [Store.Load] when nothing was persisted yet.
	ErrNotFound = errors.New("seqindex: not found")
)

// Fault is a structural fault delivered to an [ErrorHandler].
//
// Kind is one of the sentinel errors above; errors.Is(fault, Kind) is true.
// Offset and Length locate the affected byte range within the buffer or file
// when known.
type Fault struct {
	Kind   error
	Path   string
	Offset int64
	Length int64
	Err    error
}

func (f *Fault) Error() string {
	var b strings.Builder

	b.WriteString(f.Kind.Error())

	if f.Path != "" {
		b.WriteString(": ")
		b.WriteString(f.Path)
	}

	if f.Length > 0 {
		fmt.Fprintf(&b, " [offset=%d length=%d]", f.Offset, f.Length)
	}

	if f.Err != nil && f.Err != f.Kind {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}

	return b.String()
}

// Is reports whether target is the fault's Kind.
func (f *Fault) Is(target error) bool {
	return target == f.Kind
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func headerFault(path string, err error) *Fault {
	return &Fault{Kind: ErrHeaderCorrupt, Path: path, Offset: 0, Length: HeaderSize, Err: err}
}

func sectorFault(path string, offset int) *Fault {
	return &Fault{Kind: ErrSectorCorrupt, Path: path, Offset: int64(offset), Length: SectorSize}
}
