package testutil

import "encoding/binary"

// ByteStream derives values from fuzz input, front to back.
//
// Reads past the end return zero, so the same input always decodes to the
// same sequence of values however long the decoder keeps reading.
type ByteStream struct {
	data []byte
	pos  int
}

// NewByteStream creates a stream over data.
func NewByteStream(data []byte) *ByteStream {
	return &ByteStream{data: data}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.data)
}

// Byte returns the next byte, or 0 if exhausted.
func (s *ByteStream) Byte() byte {
	if s.pos >= len(s.data) {
		return 0
	}

	v := s.data[s.pos]
	s.pos++

	return v
}

// Intn returns a value in [0, n) from the next byte. n must be at most 256
// for the result to cover the whole range.
func (s *ByteStream) Intn(n int) int {
	if n <= 0 {
		return 0
	}

	return int(s.Byte()) % n
}

// Uint16 returns the next two bytes as a little-endian value.
func (s *ByteStream) Uint16() uint16 {
	var b [2]byte

	b[0], b[1] = s.Byte(), s.Byte()

	return binary.LittleEndian.Uint16(b[:])
}

// Uint32 returns the next four bytes as a little-endian value.
func (s *ByteStream) Uint32() uint32 {
	var b [4]byte

	for i := range b {
		b[i] = s.Byte()
	}

	return binary.LittleEndian.Uint32(b[:])
}
