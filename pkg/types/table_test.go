package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, layout Layout, n int) Table {
	t.Helper()
	data := make([]int64, 0, n*layout.Width())
	for i := 0; i < n; i++ {
		data = append(data, layout.Row(int64(i+1), &Event{Time: uint64(100 * i), Code: uint64(i % 3), Params: []uint64{7, uint64(i % 2)}})...)
	}
	tbl, err := NewTable(layout, data, 1, "load-1")
	require.NoError(t, err)
	return tbl
}

func TestNewTable_RejectsRaggedData(t *testing.T) {
	_, err := NewTable(DefaultLayout(), make([]int64, 24), 1, "")
	assert.Error(t, err)
}

func TestTable_Accessors(t *testing.T) {
	layout := Layout{MaxParams: 2}
	tbl := buildTable(t, layout, 4)

	assert.Equal(t, 4, tbl.Rows())
	assert.Equal(t, 9, tbl.Width())
	assert.Equal(t, 36, tbl.Len())
	assert.Equal(t, uint64(1), tbl.Generation())
	assert.Equal(t, "load-1", tbl.LoadID())
	assert.Equal(t, int64(3), tbl.At(2, FieldSeq))
	assert.Equal(t, []int64{1, 2, 3, 4}, tbl.Column(FieldSeq))
	assert.Equal(t, []int64{0, 1, 0, 1}, tbl.Column(FieldCPU))
	assert.Len(t, tbl.Row(3), 9)
	assert.Equal(t, 9, cap(tbl.Row(0)), "row slices must not expose the next row")
}

func TestTable_Empty(t *testing.T) {
	tbl := EmptyTable(DefaultLayout())
	assert.Equal(t, 0, tbl.Rows())
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, 23, tbl.Width())
	assert.Empty(t, tbl.MarshalBinary())
}

func TestTable_CloneIsIndependent(t *testing.T) {
	tbl := buildTable(t, DefaultLayout(), 3)
	cp := tbl.Clone()

	tbl.Data()[0] = -1
	assert.Equal(t, int64(1), cp.At(0, FieldSeq))
	assert.Equal(t, tbl.Rows(), cp.Rows())
}

func TestTable_Fingerprint(t *testing.T) {
	a := buildTable(t, DefaultLayout(), 5)
	b := buildTable(t, DefaultLayout(), 5)
	c := buildTable(t, DefaultLayout(), 6)

	assert.Len(t, a.Fingerprint(), 32)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	// Same elements, different width.
	flat, err := NewTable(Layout{MaxParams: 1}, make([]int64, 16), 1, "")
	require.NoError(t, err)
	wide, err := NewTable(Layout{MaxParams: 9}, make([]int64, 16), 1, "")
	require.NoError(t, err)
	assert.NotEqual(t, flat.Fingerprint(), wide.Fingerprint())
}

func TestTable_BinaryRoundTrip(t *testing.T) {
	tbl := buildTable(t, DefaultLayout(), 3)
	tbl.Data()[5] = -42

	data, err := DecodeMatrix(tbl.MarshalBinary(), tbl.Width())
	require.NoError(t, err)
	assert.Equal(t, tbl.Data(), data)

	_, err = DecodeMatrix(make([]byte, 7), 0)
	assert.Error(t, err)
	_, err = DecodeMatrix(make([]byte, 8*5), 23)
	assert.Error(t, err)
}
