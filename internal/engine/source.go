package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

// ErrMalformedLine is returned for a line that is not five integer fields.
var ErrMalformedLine = errors.New("malformed record line")

// Source yields inbound records.
type Source interface {
	// Poll fills dst with up to len(dst) records and returns how many it
	// wrote. It returns io.EOF, possibly together with n > 0, once the source
	// is exhausted.
	Poll(dst []seqindex.Record) (int, error)
}

// LineSource decodes one record per line:
//
//	<connectionId> <sessionId> <sequenceIndex> <sequenceNumber> <length>
//
// Blank lines and lines starting with '#' are ignored. A record's stream
// offset is the running sum of lengths on its connection. Records whose
// offset is at or below the connection's resume position were indexed before
// and are skipped.
type LineSource struct {
	scanner *bufio.Scanner
	line    int

	offsets map[int64]int64
	resume  map[int64]int64
	skipped int64
}

// NewLineSource reads records from r. resume maps connection IDs to their
// indexed positions, usually from [seqindex.Writer.IndexedPositions].
func NewLineSource(r io.Reader, resume map[int64]int64) *LineSource {
	return &LineSource{
		scanner: bufio.NewScanner(r),
		offsets: make(map[int64]int64),
		resume:  resume,
	}
}

// Skipped returns how many records were skipped as already indexed.
func (s *LineSource) Skipped() int64 {
	return s.skipped
}

func (s *LineSource) Poll(dst []seqindex.Record) (int, error) {
	n := 0

	for n < len(dst) {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return n, fmt.Errorf("reading records: %w", err)
			}

			return n, io.EOF
		}

		s.line++

		text := strings.TrimSpace(s.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		rec, err := parseLine(text)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", s.line, err)
		}

		s.offsets[rec.ConnectionID] += int64(rec.Length)
		rec.StreamOffset = s.offsets[rec.ConnectionID]

		if rec.StreamOffset <= s.resume[rec.ConnectionID] {
			s.skipped++

			continue
		}

		dst[n] = rec
		n++
	}

	return n, nil
}

func parseLine(text string) (seqindex.Record, error) {
	fields := strings.Fields(text)
	if len(fields) != 5 {
		return seqindex.Record{}, fmt.Errorf("%w: want 5 fields, got %d", ErrMalformedLine, len(fields))
	}

	conn, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return seqindex.Record{}, fmt.Errorf("%w: connection id: %w", ErrMalformedLine, err)
	}

	session, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return seqindex.Record{}, fmt.Errorf("%w: session id: %w", ErrMalformedLine, err)
	}

	index, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return seqindex.Record{}, fmt.Errorf("%w: sequence index: %w", ErrMalformedLine, err)
	}

	seq, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return seqindex.Record{}, fmt.Errorf("%w: sequence number: %w", ErrMalformedLine, err)
	}

	length, err := strconv.ParseInt(fields[4], 10, 32)
	if err != nil || length <= 0 {
		return seqindex.Record{}, fmt.Errorf("%w: length must be a positive integer, got %q", ErrMalformedLine, fields[4])
	}

	return seqindex.Record{
		SessionID:      session,
		SequenceIndex:  int32(index),
		SequenceNumber: int32(seq),
		ConnectionID:   conn,
		Length:         int32(length),
	}, nil
}

// SliceSource replays a fixed set of records, at most batch per Poll.
type SliceSource struct {
	records []seqindex.Record
	batch   int
}

// NewSliceSource returns a source over records. A batch of zero or less
// means no per-poll limit beyond len(dst).
func NewSliceSource(records []seqindex.Record, batch int) *SliceSource {
	return &SliceSource{records: records, batch: batch}
}

func (s *SliceSource) Poll(dst []seqindex.Record) (int, error) {
	limit := len(dst)
	if s.batch > 0 && s.batch < limit {
		limit = s.batch
	}

	n := copy(dst[:limit], s.records)
	s.records = s.records[n:]

	if len(s.records) == 0 {
		return n, io.EOF
	}

	return n, nil
}
