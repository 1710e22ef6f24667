package tracefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetab/tracetab/pkg/types"
)

func sampleEvents() []types.Event {
	return []types.Event{
		{Time: 1000, Code: 0x10, ThreadID: 7},
		{Time: 2000, Code: 0x11, ThreadID: 7, Params: []uint64{42, 3}},
		{Time: 3500, Code: 0x12, ThreadID: 9, Params: []uint64{1, 2, 3, 4, 5}},
	}
}

func encode(t *testing.T, opts WriterOptions, events []types.Event, terminate bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, opts)
	require.NoError(t, err)
	for i := range events {
		require.NoError(t, w.Write(&events[i]))
	}
	if terminate {
		require.NoError(t, w.Close())
	} else {
		require.NoError(t, w.Flush())
	}
	return buf.Bytes()
}

// drain reads every event and returns them with the terminal stop code.
func drain(t *testing.T, r *Reader) ([]types.Event, types.StopCode, error) {
	t.Helper()
	var out []types.Event
	var ev types.Event
	for {
		stop, err := r.Next(&ev)
		if stop != types.StopOK {
			return out, stop, err
		}
		cp := ev
		cp.Params = append([]uint64(nil), ev.Params...)
		out = append(out, cp)
	}
}

func stripRaw(events []types.Event) []types.Event {
	out := make([]types.Event, len(events))
	for i, ev := range events {
		ev.Raw = 0
		ev.NumParams = 0
		if len(ev.Params) == 0 {
			ev.Params = nil
		}
		out[i] = ev
	}
	return out
}

func TestRoundTrip_Layouts(t *testing.T) {
	tests := []struct {
		name string
		opts WriterOptions
	}{
		{"le64", WriterOptions{}},
		{"be64", WriterOptions{ByteOrder: binary.BigEndian}},
		{"le32", WriterOptions{WordSize: 4}},
		{"be32", WriterOptions{ByteOrder: binary.BigEndian, WordSize: 4}},
		{"snappy", WriterOptions{Compress: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := encode(t, tt.opts, sampleEvents(), true)
			r, err := NewReader(bytes.NewReader(data))
			require.NoError(t, err)

			got, stop, err := drain(t, r)
			require.NoError(t, err)
			assert.Equal(t, types.StopEndOfTrace, stop)
			if diff := cmp.Diff(stripRaw(sampleEvents()), stripRaw(got)); diff != "" {
				t.Errorf("events mismatch (-want, +got):\n%s", diff)
			}
			for _, ev := range got {
				assert.Equal(t, uint32(len(ev.Params)), ev.NumParams)
			}
		})
	}
}

func TestReader_RawIsRecordOffset(t *testing.T) {
	data := encode(t, WriterOptions{}, sampleEvents(), true)
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	got, _, err := drain(t, r)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// header, then 24-byte records plus 8 bytes per param
	assert.Equal(t, uint64(16), got[0].Raw)
	assert.Equal(t, uint64(16+24), got[1].Raw)
	assert.Equal(t, uint64(16+24+24+16), got[2].Raw)
}

func TestReader_CleanEOFWithoutMarker(t *testing.T) {
	data := encode(t, WriterOptions{}, sampleEvents(), false)
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	got, stop, err := drain(t, r)
	assert.NoError(t, err)
	assert.Equal(t, types.StopEndOfTrace, stop)
	assert.Len(t, got, 3)
}

func TestReader_MarkerIgnoresTrailingBytes(t *testing.T) {
	data := encode(t, WriterOptions{}, sampleEvents(), true)
	data = append(data, 0xde, 0xad, 0xbe, 0xef)
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	got, stop, err := drain(t, r)
	assert.NoError(t, err)
	assert.Equal(t, types.StopEndOfTrace, stop)
	assert.Len(t, got, 3)
}

func TestReader_Truncated(t *testing.T) {
	data := encode(t, WriterOptions{}, sampleEvents(), false)
	// Cut the last record in the middle of its parameters.
	data = data[:len(data)-12]
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	got, stop, err := drain(t, r)
	assert.Equal(t, types.StopTruncated, stop)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Len(t, got, 2)

	// Terminal status is sticky.
	var ev types.Event
	again, err2 := r.Next(&ev)
	assert.Equal(t, types.StopTruncated, again)
	assert.Equal(t, err, err2)
}

func TestReader_TruncatedInsideHeaderWords(t *testing.T) {
	data := encode(t, WriterOptions{}, sampleEvents()[:1], false)
	data = append(data, 1, 2, 3, 4, 5, 6, 7, 8, 9) // time plus one byte of tid
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	got, stop, _ := drain(t, r)
	assert.Equal(t, types.StopTruncated, stop)
	assert.Len(t, got, 1)
}

func TestReader_MalformedMarker(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Write(&sampleEvents()[0]))
	require.NoError(t, w.putUint(8, 0))
	require.NoError(t, w.putUint(8, 0))
	require.NoError(t, w.putUint(8, endCode(8)<<8|2))
	require.NoError(t, w.Flush())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	got, stop, err := drain(t, r)
	assert.Equal(t, types.StopMalformed, stop)
	assert.Error(t, err)
	assert.Len(t, got, 1)
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestReader_ReadError(t *testing.T) {
	boom := errors.New("device gone")
	data := encode(t, WriterOptions{}, sampleEvents()[:2], false)
	r, err := NewReader(&failingReader{data: data, err: boom})
	require.NoError(t, err)

	got, stop, err := drain(t, r)
	assert.Equal(t, types.StopReadError, stop)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, got, 2)
}

func TestNewReader_HeaderErrors(t *testing.T) {
	good := encode(t, WriterOptions{}, nil, true)

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 0
	_, err := NewReader(bytes.NewReader(badMagic))
	assert.ErrorIs(t, err, ErrBadMagic)

	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badVersion[4:6], 9)
	_, err = NewReader(bytes.NewReader(badVersion))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	badWord := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badWord[6:8], 2)
	_, err = NewReader(bytes.NewReader(badWord))
	assert.ErrorIs(t, err, ErrBadWordSize)

	_, err = NewReader(bytes.NewReader(good[:5]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriter_Validation(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{WordSize: 4})
	require.NoError(t, err)

	assert.Error(t, w.Write(&types.Event{Code: 1 << 24}))
	assert.Error(t, w.Write(&types.Event{ThreadID: 1 << 32}))
	assert.Error(t, w.Write(&types.Event{Params: []uint64{1 << 33}}))
	assert.Error(t, w.Write(&types.Event{Params: make([]uint64, 256)}))
	assert.Equal(t, 0, w.Count())

	_, err = NewWriter(&buf, WriterOptions{WordSize: 3})
	assert.ErrorIs(t, err, ErrBadWordSize)
}

func TestCreateAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.evt")
	w, err := Create(path, WriterOptions{Compress: true})
	require.NoError(t, err)
	events := sampleEvents()
	for i := range events {
		require.NoError(t, w.Write(&events[i]))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 8, r.Header().WordSize)
	got, stop, err := drain(t, r)
	require.NoError(t, err)
	assert.Equal(t, types.StopEndOfTrace, stop)
	assert.Len(t, got, 3)
	assert.NoError(t, r.Close())
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.evt"))
	assert.Error(t, err)
}
