package types

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Table is a read-only view over a contiguous, row-major matrix of int64
// rows. The backing storage is borrowed from the engine that produced it and
// stays valid only until that engine starts its next load. Use Clone to keep
// a table across reloads.
type Table struct {
	layout     Layout
	rows       int
	data       []int64
	generation uint64
	loadID     string
}

// NewTable wraps data as a table. len(data) must be a multiple of the layout
// width.
func NewTable(layout Layout, data []int64, generation uint64, loadID string) (Table, error) {
	width := layout.Width()
	if len(data)%width != 0 {
		return Table{}, fmt.Errorf("table: %d elements is not a multiple of row width %d", len(data), width)
	}
	return Table{
		layout:     layout,
		rows:       len(data) / width,
		data:       data,
		generation: generation,
		loadID:     loadID,
	}, nil
}

// EmptyTable returns a table with no rows.
func EmptyTable(layout Layout) Table {
	return Table{layout: layout}
}

// Layout returns the row layout.
func (t Table) Layout() Layout { return t.layout }

// Rows returns the number of rows.
func (t Table) Rows() int { return t.rows }

// Width returns the number of elements per row.
func (t Table) Width() int { return t.layout.Width() }

// Len returns the total number of elements.
func (t Table) Len() int { return len(t.data) }

// Generation identifies the load that produced the table. It is 0 for a
// table that no load produced.
func (t Table) Generation() uint64 { return t.generation }

// LoadID is the unique identifier of the load that produced the table.
func (t Table) LoadID() string { return t.loadID }

// Data returns the backing elements. The slice must not be modified.
func (t Table) Data() []int64 { return t.data }

// Row returns row i. The slice aliases the table and must not be modified.
func (t Table) Row(i int) []int64 {
	w := t.Width()
	start := i * w
	return t.data[start : start+w : start+w]
}

// At returns field f of row i.
func (t Table) At(i, f int) int64 {
	return t.data[i*t.Width()+f]
}

// Column returns a copy of field f for every row.
func (t Table) Column(f int) []int64 {
	w := t.Width()
	col := make([]int64, t.rows)
	for i := range col {
		col[i] = t.data[i*w+f]
	}
	return col
}

// Clone returns a deep copy that owns its storage.
func (t Table) Clone() Table {
	cp := t
	if t.data != nil {
		cp.data = make([]int64, len(t.data))
		copy(cp.data, t.data)
	}
	return cp
}

// Fingerprint returns a murmur3 128-bit digest of the table shape and
// contents as 32 hex characters. Two tables with the same rows have the same
// fingerprint regardless of the load that produced them.
func (t Table) Fingerprint() string {
	h := murmur3.New128()
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], uint64(t.Width()))
	h.Write(word[:])
	h.Write(t.MarshalBinary())
	hi, lo := h.Sum128()
	return fmt.Sprintf("%016x%016x", hi, lo)
}

// MarshalBinary encodes the elements as little-endian int64 words, row-major.
func (t Table) MarshalBinary() []byte {
	buf := make([]byte, 8*len(t.data))
	for i, v := range t.data {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

// DecodeMatrix decodes little-endian int64 words produced by MarshalBinary
// and checks them against the expected row width.
func DecodeMatrix(buf []byte, width int) ([]int64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("table: %d bytes is not a whole number of int64 words", len(buf))
	}
	data := make([]int64, len(buf)/8)
	if width > 0 && len(data)%width != 0 {
		return nil, fmt.Errorf("table: %d elements is not a multiple of row width %d", len(data), width)
	}
	for i := range data {
		data[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return data, nil
}
