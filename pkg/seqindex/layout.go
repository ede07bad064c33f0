package seqindex

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/spaolacci/murmur3"
)

// Persisted layout constants. These cross the file-format boundary and must
// not change without bumping [Version].
const (
	// Version is the file format version written to every header.
	Version = 1

	// HeaderSize is the fixed size of the header block at offset 0.
	HeaderSize = 64

	// SectorSize is the size of one independently checksummed body block.
	SectorSize = 4096

	// RecordSize is the size of one entry or position record.
	RecordSize = 16

	// RecordsPerSector is how many whole records fit in a sector ahead of its
	// trailing checksum. Leftover bytes are padding.
	RecordsPerSector = (SectorSize - sectorChecksumSize) / RecordSize

	// UnknownSession is returned for keys with no recorded sequence number.
	// It is also the on-disk marker of an empty entry slot (0xFFFFFFFF).
	UnknownSession int32 = -1

	// DefaultSequenceIndex is the epoch used by the single-argument lookup.
	DefaultSequenceIndex int32 = 0
)

const (
	sectorChecksumSize = 4
	sectorRecordBytes  = RecordsPerSector * RecordSize
	sectorChecksumOff  = SectorSize - sectorChecksumSize
	sectorTailWordOff  = SectorSize - 8

	hashAlgMurmur3 = 1

	// maxCapacity bounds declared capacities so sector counts fit in a u32
	// and the mapped size fits in an int on every supported platform.
	maxCapacity = 1 << 28
)

// Header field offsets.
const (
	offMagic            = 0x00
	offVersion          = 0x04
	offHeaderSize       = 0x08
	offSectorSize       = 0x0C
	offRecordSize       = 0x10
	offHashAlg          = 0x14
	offEntryCapacity    = 0x18
	offPositionCapacity = 0x20
	offEntrySectors     = 0x28
	offPositionSectors  = 0x2C
	offGeneration       = 0x30
	offHeaderCRC32C     = 0x38
	offReserved         = 0x3C
)

var magic = [4]byte{'F', 'X', 'S', 'N'}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// isLittleEndian is true if the CPU uses little-endian byte order.
var isLittleEndian = func() bool {
	var x uint32 = 0x04030201

	return *(*byte)(unsafe.Pointer(&x)) == 0x01
}()

// Header is the decoded header block.
type Header struct {
	Version          uint32
	EntryCapacity    uint64
	PositionCapacity uint64
	EntrySectors     uint32
	PositionSectors  uint32

	// Generation is the seqlock counter of a live buffer. It is even whenever
	// no mutation is in progress and is not covered by the header checksum.
	Generation uint64
}

// Size returns the total buffer size the header declares.
func (h Header) Size() int {
	return HeaderSize + int(h.EntrySectors+h.PositionSectors)*SectorSize
}

// EntrySlots returns the number of entry slots in the body.
func (h Header) EntrySlots() int { return int(h.EntrySectors) * RecordsPerSector }

// PositionSlots returns the number of position slots in the body.
func (h Header) PositionSlots() int { return int(h.PositionSectors) * RecordsPerSector }

func (h Header) entryRegion() region {
	return region{base: HeaderSize, sectors: int(h.EntrySectors), firstSector: 0}
}

func (h Header) positionRegion() region {
	return region{
		base:        HeaderSize + int(h.EntrySectors)*SectorSize,
		sectors:     int(h.PositionSectors),
		firstSector: int(h.EntrySectors),
	}
}

func newHeader(entryCap, positionCap uint64) Header {
	return Header{
		Version:          Version,
		EntryCapacity:    entryCap,
		PositionCapacity: positionCap,
		EntrySectors:     sectorsFor(entryCap),
		PositionSectors:  sectorsFor(positionCap),
	}
}

// sectorsFor returns the sector count that keeps the load factor of a region
// holding capacity keys at or below one half.
func sectorsFor(capacity uint64) uint32 {
	n := (2*capacity + RecordsPerSector - 1) / RecordsPerSector

	return uint32(max(n, 1))
}

// encodeHeader writes h into dst[:HeaderSize] and stamps its checksum.
func encodeHeader(dst []byte, h Header) {
	buf := dst[:HeaderSize]
	clear(buf)

	copy(buf[offMagic:], magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], HeaderSize)
	binary.LittleEndian.PutUint32(buf[offSectorSize:], SectorSize)
	binary.LittleEndian.PutUint32(buf[offRecordSize:], RecordSize)
	binary.LittleEndian.PutUint32(buf[offHashAlg:], hashAlgMurmur3)
	binary.LittleEndian.PutUint64(buf[offEntryCapacity:], h.EntryCapacity)
	binary.LittleEndian.PutUint64(buf[offPositionCapacity:], h.PositionCapacity)
	binary.LittleEndian.PutUint32(buf[offEntrySectors:], h.EntrySectors)
	binary.LittleEndian.PutUint32(buf[offPositionSectors:], h.PositionSectors)
	binary.LittleEndian.PutUint64(buf[offGeneration:], h.Generation)

	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], headerChecksum(buf))
}

// headerChecksum calculates the CRC32-C of a header with the generation and
// crc fields treated as zero.
func headerChecksum(buf []byte) uint32 {
	var tmp [HeaderSize]byte

	copy(tmp[:], buf[:HeaderSize])
	clear(tmp[offGeneration : offGeneration+8])
	clear(tmp[offHeaderCRC32C : offHeaderCRC32C+4])

	return crc32.Checksum(tmp[:], castagnoli)
}

// ValidateHeader decodes and validates the header at the start of buf.
//
// The returned error wraps [ErrHeaderCorrupt] when the magic, version,
// geometry or checksum is wrong, or when buf is shorter than the layout the
// header declares. Callers must not trust any body content in that case.
func ValidateHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("buffer of %d bytes is shorter than the %d-byte header: %w",
			len(buf), HeaderSize, ErrHeaderCorrupt)
	}

	var raw [HeaderSize]byte

	loadBytes(raw[:], buf[:HeaderSize])

	if [4]byte(raw[offMagic:offMagic+4]) != magic {
		return Header{}, fmt.Errorf("bad magic %q: %w", raw[offMagic:offMagic+4], ErrHeaderCorrupt)
	}

	stored := binary.LittleEndian.Uint32(raw[offHeaderCRC32C:])
	if computed := headerChecksum(raw[:]); stored != computed {
		return Header{}, fmt.Errorf("header crc mismatch (stored=%#08x computed=%#08x): %w",
			stored, computed, ErrHeaderCorrupt)
	}

	h := Header{
		Version:          binary.LittleEndian.Uint32(raw[offVersion:]),
		EntryCapacity:    binary.LittleEndian.Uint64(raw[offEntryCapacity:]),
		PositionCapacity: binary.LittleEndian.Uint64(raw[offPositionCapacity:]),
		EntrySectors:     binary.LittleEndian.Uint32(raw[offEntrySectors:]),
		PositionSectors:  binary.LittleEndian.Uint32(raw[offPositionSectors:]),
		Generation:       binary.LittleEndian.Uint64(raw[offGeneration:]),
	}

	if h.Version != Version {
		return Header{}, fmt.Errorf("unsupported version %d: %w", h.Version, ErrHeaderCorrupt)
	}

	geometry := [...]struct {
		name      string
		off, want uint32
	}{
		{"header size", offHeaderSize, HeaderSize},
		{"sector size", offSectorSize, SectorSize},
		{"record size", offRecordSize, RecordSize},
		{"hash algorithm", offHashAlg, hashAlgMurmur3},
		{"reserved", offReserved, 0},
	}

	for _, g := range geometry {
		if got := binary.LittleEndian.Uint32(raw[g.off:]); got != g.want {
			return Header{}, fmt.Errorf("%s is %d, want %d: %w", g.name, got, g.want, ErrHeaderCorrupt)
		}
	}

	if h.EntryCapacity == 0 || h.PositionCapacity == 0 ||
		h.EntryCapacity > maxCapacity || h.PositionCapacity > maxCapacity {
		return Header{}, fmt.Errorf("capacities out of range (entries=%d positions=%d): %w",
			h.EntryCapacity, h.PositionCapacity, ErrHeaderCorrupt)
	}

	if h.EntrySectors != sectorsFor(h.EntryCapacity) || h.PositionSectors != sectorsFor(h.PositionCapacity) {
		return Header{}, fmt.Errorf("sector counts %d/%d disagree with capacities %d/%d: %w",
			h.EntrySectors, h.PositionSectors, h.EntryCapacity, h.PositionCapacity, ErrHeaderCorrupt)
	}

	if len(buf) < h.Size() {
		return Header{}, fmt.Errorf("buffer of %d bytes is shorter than the declared %d: %w",
			len(buf), h.Size(), ErrHeaderCorrupt)
	}

	return h, nil
}

// SectorChecksum returns the CRC32-C over the record bytes of one sector,
// excluding padding and the checksum field itself. sector must hold at least
// the record bytes of a sector.
func SectorChecksum(sector []byte) uint32 {
	return crc32.Checksum(sector[:sectorRecordBytes], castagnoli)
}

// storedSectorChecksum reads the checksum stamped at the tail of a sector copy.
func storedSectorChecksum(sector []byte) uint32 {
	return binary.LittleEndian.Uint32(sector[sectorChecksumOff:])
}

// region is one of the two open-addressed record areas of the body.
type region struct {
	base        int // byte offset of the first sector
	sectors     int
	firstSector int // global index of the first sector, for fault reporting
}

func (r region) slots() int { return r.sectors * RecordsPerSector }

func (r region) slotOffset(slot int) int {
	return r.base + (slot/RecordsPerSector)*SectorSize + (slot%RecordsPerSector)*RecordSize
}

func (r region) sectorOffset(sector int) int { return r.base + sector*SectorSize }

func entryKeyHash(sessionID int64, sequenceIndex int32) uint64 {
	var k [12]byte

	binary.LittleEndian.PutUint64(k[0:], uint64(sessionID))
	binary.LittleEndian.PutUint32(k[8:], uint32(sequenceIndex))

	return murmur3.Sum64(k[:])
}

func positionKeyHash(connectionID int64) uint64 {
	var k [8]byte

	binary.LittleEndian.PutUint64(k[:], uint64(connectionID))

	return murmur3.Sum64(k[:])
}

// Record words. An entry record is two little-endian words:
// w0 = sessionId, w1 = sequenceIndex | sequenceNumber<<32.
// A position record is w0 = connectionId, w1 = position.

const emptyEntryW1 = uint64(0xFFFFFFFF) << 32

func packEntryW1(sequenceIndex, sequenceNumber int32) uint64 {
	return uint64(uint32(sequenceIndex)) | uint64(uint32(sequenceNumber))<<32
}

func unpackEntryW1(w1 uint64) (sequenceIndex, sequenceNumber int32) {
	return int32(uint32(w1)), int32(uint32(w1 >> 32))
}

func entryIsEmpty(w1 uint64) bool {
	_, seq := unpackEntryW1(w1)

	return seq == UnknownSession
}

// Word access.
//
// Every record, checksum and the generation counter sit on 8-byte boundaries
// of a buffer whose first byte is 8-byte aligned. Words are stored
// little-endian regardless of host byte order.

func aligned(buf []byte) bool {
	return len(buf) == 0 || uintptr(unsafe.Pointer(&buf[0]))%8 == 0
}

func loadWord(buf []byte, off int) uint64 {
	_ = buf[off+7]

	v := atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[off])))
	if !isLittleEndian {
		v = bits.ReverseBytes64(v)
	}

	return v
}

func storeWord(buf []byte, off int, v uint64) {
	_ = buf[off+7]

	if !isLittleEndian {
		v = bits.ReverseBytes64(v)
	}

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[off])), v)
}

// loadBytes copies src into dst using atomic word loads when src is aligned,
// so copying never races with a concurrent writer's word stores.
func loadBytes(dst, src []byte) {
	if len(src)%8 != 0 || !aligned(src) {
		copy(dst, src)

		return
	}

	for i := 0; i < len(src); i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], loadWord(src, i))
	}
}
