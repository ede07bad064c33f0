package seqindex_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

func Test_RecordsPerSector_Leaves_Room_For_Checksum(t *testing.T) {
	t.Parallel()

	if got := seqindex.RecordsPerSector*seqindex.RecordSize + 4; got > seqindex.SectorSize {
		t.Fatalf("records+checksum=%d bytes, exceeds sector of %d", got, seqindex.SectorSize)
	}

	if got, want := seqindex.RecordsPerSector, 255; got != want {
		t.Fatalf("RecordsPerSector=%d, want=%d", got, want)
	}
}

func Test_ValidateHeader_Accepts_Header_When_Written_By_Writer(t *testing.T) {
	t.Parallel()

	buf := snapshotOf(t, seqindex.Options{Capacity: 300, PositionCapacity: 10})

	hdr, err := seqindex.ValidateHeader(buf)
	if err != nil {
		t.Fatalf("ValidateHeader: %v", err)
	}

	want := seqindex.Header{
		Version:          seqindex.Version,
		EntryCapacity:    300,
		PositionCapacity: 10,
		EntrySectors:     3,
		PositionSectors:  1,
		Generation:       hdr.Generation,
	}

	if diff := cmp.Diff(want, hdr); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}

	if got, want := len(buf), hdr.Size(); got != want {
		t.Fatalf("len(buf)=%d, want=%d", got, want)
	}

	if hdr.Generation%2 != 0 {
		t.Fatalf("persisted generation=%d, want even", hdr.Generation)
	}
}

func Test_ValidateHeader_Rejects_Header_When_Any_Checksummed_Byte_Flipped(t *testing.T) {
	t.Parallel()

	orig := snapshotOf(t, seqindex.Options{})

	for i := range seqindex.HeaderSize {
		if i >= seqindex.OffGeneration && i < seqindex.OffGeneration+8 {
			continue
		}

		buf := append([]byte(nil), orig...)
		buf[i] ^= 0x01

		if _, err := seqindex.ValidateHeader(buf); !errors.Is(err, seqindex.ErrHeaderCorrupt) {
			t.Fatalf("flip at byte %d: err=%v, want=%v", i, err, seqindex.ErrHeaderCorrupt)
		}
	}
}

func Test_ValidateHeader_Ignores_Generation_When_Checksumming(t *testing.T) {
	t.Parallel()

	buf := snapshotOf(t, seqindex.Options{})
	binary.LittleEndian.PutUint64(buf[seqindex.OffGeneration:], 1234)

	hdr, err := seqindex.ValidateHeader(buf)
	if err != nil {
		t.Fatalf("ValidateHeader: %v", err)
	}

	if got, want := hdr.Generation, uint64(1234); got != want {
		t.Fatalf("Generation=%d, want=%d", got, want)
	}
}

func Test_ValidateHeader_Rejects_Buffer_When_Shorter_Than_Declared_Layout(t *testing.T) {
	t.Parallel()

	buf := snapshotOf(t, seqindex.Options{})

	for _, n := range []int{0, seqindex.HeaderSize - 1, seqindex.HeaderSize, len(buf) - 1} {
		if _, err := seqindex.ValidateHeader(buf[:n]); !errors.Is(err, seqindex.ErrHeaderCorrupt) {
			t.Fatalf("len=%d: err=%v, want=%v", n, err, seqindex.ErrHeaderCorrupt)
		}
	}
}

func Test_SectorChecksum_Ignores_Padding_And_Checksum_Field(t *testing.T) {
	t.Parallel()

	sector := make([]byte, seqindex.SectorSize)
	for i := range seqindex.RecordsPerSector * seqindex.RecordSize {
		sector[i] = byte(i)
	}

	base := seqindex.SectorChecksum(sector)

	for i := seqindex.RecordsPerSector * seqindex.RecordSize; i < seqindex.SectorSize; i++ {
		sector[i] = 0xFF
	}

	if got := seqindex.SectorChecksum(sector); got != base {
		t.Fatalf("checksum changed with padding bytes: got=%#x want=%#x", got, base)
	}

	sector[17] ^= 0x80

	if got := seqindex.SectorChecksum(sector); got == base {
		t.Fatalf("checksum unchanged after record byte flip")
	}
}

func Test_SectorChecksum_Matches_Stored_Checksum_When_Written_By_Writer(t *testing.T) {
	t.Parallel()

	buf := snapshotOf(t, seqindex.Options{}, rec(1, 0, 1), rec(2, 0, 2))

	for off := seqindex.HeaderSize; off < len(buf); off += seqindex.SectorSize {
		sector := buf[off : off+seqindex.SectorSize]
		stored := binary.LittleEndian.Uint32(sector[seqindex.SectorSize-4:])

		if got := seqindex.SectorChecksum(sector); got != stored {
			t.Fatalf("sector at %d: computed=%#x stored=%#x", off, got, stored)
		}
	}
}

func Test_DerivePaths_Returns_Distinct_Siblings_When_Given_Base(t *testing.T) {
	t.Parallel()

	got := seqindex.DerivePaths("/var/lib/fixgate/seqnums")
	want := seqindex.Paths{
		Primary:  "/var/lib/fixgate/seqnums",
		Writable: "/var/lib/fixgate/seqnums.writable",
		Passing:  "/var/lib/fixgate/seqnums.passing",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func Test_Fault_Matches_Kind_And_Wrapped_Error_When_Checked_With_Is(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk on fire")
	f := &seqindex.Fault{Kind: seqindex.ErrIO, Path: "/x", Err: cause}

	if !errors.Is(f, seqindex.ErrIO) {
		t.Fatalf("errors.Is(fault, ErrIO)=false")
	}

	if !errors.Is(f, cause) {
		t.Fatalf("errors.Is(fault, cause)=false")
	}

	if errors.Is(f, seqindex.ErrSectorCorrupt) {
		t.Fatalf("errors.Is(fault, ErrSectorCorrupt)=true")
	}

	if got, want := seqindex.FaultKind(f), "io"; got != want {
		t.Fatalf("FaultKind=%q, want=%q", got, want)
	}
}
