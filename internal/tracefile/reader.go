package tracefile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/tracetab/tracetab/pkg/types"
)

// Reader pulls native events from a trace stream.
type Reader struct {
	r      *bufio.Reader
	closer io.Closer
	header Header

	// offset counts bytes of the decoded stream, header included.
	offset uint64
	buf    [8]byte

	stop types.StopCode
	err  error
}

// Open opens the trace file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads the header from r and returns a Reader positioned on the
// first record. If r implements io.Closer, Close closes it.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	if peek, _ := br.Peek(len(snappyStreamID)); bytes.Equal(peek, snappyStreamID) {
		br = bufio.NewReader(snappy.NewReader(br))
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("tracefile: reading header: %w", err)
	}
	header, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	rd := &Reader{
		r:      br,
		header: header,
		offset: HeaderSize,
	}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd, nil
}

func parseHeader(b []byte) (Header, error) {
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b[0:4]) == Magic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b[0:4]) == Magic:
		order = binary.BigEndian
	default:
		return Header{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, binary.LittleEndian.Uint32(b[0:4]))
	}

	h := Header{
		ByteOrder: order,
		Version:   order.Uint16(b[4:6]),
		WordSize:  int(order.Uint16(b[6:8])),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !validWordSize(h.WordSize) {
		return Header{}, fmt.Errorf("%w: %d", ErrBadWordSize, h.WordSize)
	}
	return h, nil
}

// Header returns the decoded file header.
func (r *Reader) Header() Header { return r.header }

// Next decodes the next record into ev, reusing ev.Params. It returns
// StopOK with a decoded event, or a terminal stop code. Once a terminal code
// is returned every further call returns the same code and error.
//
// StopReadError is accompanied by the underlying error; StopTruncated and
// StopMalformed carry a descriptive error.
func (r *Reader) Next(ev *types.Event) (types.StopCode, error) {
	if r.stop != types.StopOK {
		return r.stop, r.err
	}

	start := r.offset
	tm, err := r.readUint(8)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return r.finish(types.StopEndOfTrace, nil)
		}
		return r.fail(start, err)
	}

	tid, err := r.readUint(r.header.WordSize)
	if err != nil {
		return r.fail(start, midRecord(err))
	}
	word, err := r.readUint(r.header.WordSize)
	if err != nil {
		return r.fail(start, midRecord(err))
	}

	code := word >> 8
	n := int(word & MaxRecordParams)
	if code == endCode(r.header.WordSize) {
		if n != 0 {
			return r.finish(types.StopMalformed, fmt.Errorf("tracefile: end-of-trace marker at offset %d carries %d params", start, n))
		}
		return r.finish(types.StopEndOfTrace, nil)
	}

	ev.Reset()
	for i := 0; i < n; i++ {
		p, err := r.readUint(r.header.WordSize)
		if err != nil {
			return r.fail(start, midRecord(err))
		}
		ev.Params = append(ev.Params, p)
	}

	ev.Time = tm
	ev.Code = code
	ev.NumParams = uint32(n)
	ev.ThreadID = tid
	ev.Raw = start
	return types.StopOK, nil
}

// Close releases the underlying stream.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	c := r.closer
	r.closer = nil
	return c.Close()
}

func (r *Reader) readUint(size int) (uint64, error) {
	b := r.buf[:size]
	if _, err := io.ReadFull(r.r, b); err != nil {
		return 0, err
	}
	r.offset += uint64(size)
	if size == 4 {
		return uint64(r.header.ByteOrder.Uint32(b)), nil
	}
	return r.header.ByteOrder.Uint64(b), nil
}

func (r *Reader) fail(start uint64, err error) (types.StopCode, error) {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return r.finish(types.StopTruncated, fmt.Errorf("tracefile: record at offset %d: %w", start, err))
	}
	return r.finish(types.StopReadError, fmt.Errorf("tracefile: record at offset %d: %w", start, err))
}

func (r *Reader) finish(stop types.StopCode, err error) (types.StopCode, error) {
	r.stop = stop
	r.err = err
	return stop, err
}

// midRecord turns a clean EOF inside a record into io.ErrUnexpectedEOF.
func midRecord(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
