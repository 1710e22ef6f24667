// Package rowbuf provides a growable, contiguous store of fixed-width int64
// rows. Capacity is tracked in rows and grows by doubling from a seed, so
// appends are amortized O(1). Storage comes from an Allocator, which lets
// callers bound memory and lets tests inject growth failures.
package rowbuf

import (
	"errors"
	"fmt"
	"math"
)

// DefaultSeedRows is the capacity of the first growth from empty.
const DefaultSeedRows = 1024

// ErrAllocation is returned when the allocator cannot satisfy a growth request.
var ErrAllocation = errors.New("rowbuf: allocation failed")

// Allocator provides backing storage for a Buffer.
type Allocator interface {
	// Realloc returns storage of exactly elems elements whose prefix is a copy
	// of old. old must not be used after a successful call.
	Realloc(old []int64, elems int) ([]int64, error)
}

// HeapAllocator allocates from the Go heap. A positive MaxElems caps the size
// of any single allocation.
type HeapAllocator struct {
	MaxElems int
}

// Realloc implements Allocator.
func (a HeapAllocator) Realloc(old []int64, elems int) ([]int64, error) {
	if a.MaxElems > 0 && elems > a.MaxElems {
		return nil, fmt.Errorf("%w: %d elements requested, limit is %d", ErrAllocation, elems, a.MaxElems)
	}
	buf := make([]int64, elems)
	copy(buf, old)
	return buf, nil
}

// Buffer is an arena-style dynamic array of rows. It is not safe for
// concurrent use.
type Buffer struct {
	width    int
	seedRows int
	alloc    Allocator

	data    []int64 // len(data) == capRows*width
	rows    int
	capRows int
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithSeedRows sets the capacity of the first growth.
func WithSeedRows(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.seedRows = n
		}
	}
}

// WithAllocator sets the storage allocator.
func WithAllocator(a Allocator) Option {
	return func(b *Buffer) {
		if a != nil {
			b.alloc = a
		}
	}
}

// New creates an empty buffer of rows with width elements each.
func New(width int, opts ...Option) *Buffer {
	if width <= 0 {
		panic(fmt.Sprintf("rowbuf: invalid row width %d", width))
	}
	b := &Buffer{
		width:    width,
		seedRows: DefaultSeedRows,
		alloc:    HeapAllocator{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Width returns the number of elements per row.
func (b *Buffer) Width() int { return b.width }

// Len returns the number of rows appended.
func (b *Buffer) Len() int { return b.rows }

// Cap returns the capacity in rows.
func (b *Buffer) Cap() int { return b.capRows }

// Elements returns the appended rows as one row-major slice. It aliases the
// buffer and is invalidated by Grow and Release.
func (b *Buffer) Elements() []int64 {
	if b.data == nil {
		return nil
	}
	return b.data[:b.rows*b.width]
}

// Allocated reports whether the buffer currently holds storage.
func (b *Buffer) Allocated() bool { return b.data != nil }

// Append reserves the next row and returns it for the caller to fill. The
// returned slot may hold stale data. On growth failure the buffer is left
// unchanged and the error wraps ErrAllocation.
func (b *Buffer) Append() ([]int64, error) {
	if b.rows == b.capRows {
		if err := b.Grow(); err != nil {
			return nil, err
		}
	}
	start := b.rows * b.width
	b.rows++
	return b.data[start : start+b.width : start+b.width], nil
}

// Grow doubles the capacity, or sets it to the seed when empty. Appended rows
// are preserved.
func (b *Buffer) Grow() error {
	newCap := b.seedRows
	if b.capRows > 0 {
		newCap = b.capRows * 2
	}
	if newCap > math.MaxInt/b.width || newCap < b.capRows {
		return fmt.Errorf("%w: capacity overflow at %d rows", ErrAllocation, b.capRows)
	}

	data, err := b.alloc.Realloc(b.data, newCap*b.width)
	if err != nil {
		if !errors.Is(err, ErrAllocation) {
			err = fmt.Errorf("%w: %v", ErrAllocation, err)
		}
		return err
	}
	if len(data) != newCap*b.width {
		return fmt.Errorf("%w: allocator returned %d elements, want %d", ErrAllocation, len(data), newCap*b.width)
	}

	b.data = data
	b.capRows = newCap
	return nil
}

// Release drops the storage and resets length and capacity to zero.
func (b *Buffer) Release() {
	b.data = nil
	b.rows = 0
	b.capRows = 0
}
