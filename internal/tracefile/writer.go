package tracefile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/tracetab/tracetab/pkg/types"
)

// WriterOptions configures the layout of a written trace.
type WriterOptions struct {
	// ByteOrder defaults to little endian
	ByteOrder binary.ByteOrder
	// WordSize is 4 or 8, defaults to 8
	WordSize int
	// Compress wraps the trace in the snappy framing format
	Compress bool
}

// Writer encodes events in the native trace format.
type Writer struct {
	w      *bufio.Writer
	sw     *snappy.Writer
	closer io.Closer
	opts   WriterOptions
	buf    [8]byte
	count  int
}

// NewWriter writes the header to w and returns a Writer for the records.
// Close writes the end-of-trace marker; it does not close w.
func NewWriter(w io.Writer, opts WriterOptions) (*Writer, error) {
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.LittleEndian
	}
	if opts.WordSize == 0 {
		opts.WordSize = 8
	}
	if !validWordSize(opts.WordSize) {
		return nil, fmt.Errorf("%w: %d", ErrBadWordSize, opts.WordSize)
	}

	tw := &Writer{opts: opts}
	if opts.Compress {
		tw.sw = snappy.NewBufferedWriter(w)
		tw.w = bufio.NewWriter(tw.sw)
	} else {
		tw.w = bufio.NewWriter(w)
	}

	var hdr [HeaderSize]byte
	opts.ByteOrder.PutUint32(hdr[0:4], Magic)
	opts.ByteOrder.PutUint16(hdr[4:6], Version)
	opts.ByteOrder.PutUint16(hdr[6:8], uint16(opts.WordSize))
	if _, err := tw.w.Write(hdr[:]); err != nil {
		return nil, err
	}
	return tw, nil
}

// Create creates the file at path and returns a Writer that closes it on
// Close.
func Create(path string, opts WriterOptions) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Count returns the number of events written.
func (w *Writer) Count() int { return w.count }

// Write appends one event. ev.Params is written in full; ev.NumParams is
// ignored.
func (w *Writer) Write(ev *types.Event) error {
	ws := w.opts.WordSize
	if len(ev.Params) > MaxRecordParams {
		return fmt.Errorf("tracefile: %d params exceeds record limit %d", len(ev.Params), MaxRecordParams)
	}
	if ev.Code >= endCode(ws) {
		return fmt.Errorf("tracefile: code 0x%x does not fit a %d-byte word", ev.Code, ws)
	}
	if ev.ThreadID > maxWord(ws) {
		return fmt.Errorf("tracefile: thread id %d does not fit a %d-byte word", ev.ThreadID, ws)
	}
	for i, p := range ev.Params {
		if p > maxWord(ws) {
			return fmt.Errorf("tracefile: param %d value %d does not fit a %d-byte word", i, p, ws)
		}
	}

	if err := w.putUint(8, ev.Time); err != nil {
		return err
	}
	if err := w.putUint(ws, ev.ThreadID); err != nil {
		return err
	}
	if err := w.putUint(ws, ev.Code<<8|uint64(len(ev.Params))); err != nil {
		return err
	}
	for _, p := range ev.Params {
		if err := w.putUint(ws, p); err != nil {
			return err
		}
	}
	w.count++
	return nil
}

// Flush writes buffered records without ending the trace.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.sw != nil {
		return w.sw.Flush()
	}
	return nil
}

// Close writes the end-of-trace marker and flushes.
func (w *Writer) Close() error {
	ws := w.opts.WordSize
	err := w.putUint(8, 0)
	if err == nil {
		err = w.putUint(ws, 0)
	}
	if err == nil {
		err = w.putUint(ws, endCode(ws)<<8)
	}
	if err == nil {
		err = w.w.Flush()
	}
	if w.sw != nil {
		if cerr := w.sw.Close(); err == nil {
			err = cerr
		}
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

func (w *Writer) putUint(size int, v uint64) error {
	b := w.buf[:size]
	if size == 4 {
		w.opts.ByteOrder.PutUint32(b, uint32(v))
	} else {
		w.opts.ByteOrder.PutUint64(b, v)
	}
	_, err := w.w.Write(b)
	return err
}
