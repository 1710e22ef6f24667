// Package tracefile reads and writes native execution traces.
//
// A trace starts with a 16-byte header:
//
//	magic    u32  0xFEEBDAED, in the byte order of the file
//	version  u16  1
//	wordsize u16  4 or 8
//	reserved u64
//
// followed by records:
//
//	time     u64               nanoseconds
//	tid      word
//	codeword word              code<<8 | nparams
//	params   nparams * word
//
// A record whose code bits are all ones and whose nparams is zero marks the
// end of the trace. A stream that ends cleanly on a record boundary is also
// accepted as complete. Traces may be wrapped in the snappy framing format;
// the reader detects this from the stream identifier.
package tracefile

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic identifies a native trace and its byte order.
	Magic uint32 = 0xFEEBDAED

	// Version is the only supported format version.
	Version uint16 = 1

	// HeaderSize is the size of the file header in bytes.
	HeaderSize = 16

	// MaxRecordParams is the largest parameter count a record can carry.
	MaxRecordParams = 0xff
)

// snappyStreamID is the first chunk of every snappy framed stream.
var snappyStreamID = []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}

var (
	ErrBadMagic           = errors.New("tracefile: bad magic")
	ErrUnsupportedVersion = errors.New("tracefile: unsupported version")
	ErrBadWordSize        = errors.New("tracefile: unsupported word size")
)

// Header is the decoded file header.
type Header struct {
	ByteOrder binary.ByteOrder
	Version   uint16
	WordSize  int
}

// endCode returns the code value reserved for the end-of-trace marker.
func endCode(wordSize int) uint64 {
	return (uint64(1) << (uint(wordSize)*8 - 8)) - 1
}

// maxWord returns the largest value a word can hold.
func maxWord(wordSize int) uint64 {
	if wordSize == 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (uint(wordSize) * 8)) - 1
}

func validWordSize(n int) bool {
	return n == 4 || n == 8
}
