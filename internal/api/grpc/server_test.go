package grpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tracetab/tracetab/internal/engine"
	"github.com/tracetab/tracetab/internal/errors"
	"github.com/tracetab/tracetab/internal/observability"
	"github.com/tracetab/tracetab/internal/tracefile"
	"github.com/tracetab/tracetab/pkg/types"
)

func writeTrace(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.evt")
	w, err := tracefile.Create(path, tracefile.WriterOptions{WordSize: 4})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Write(&types.Event{
			Time:     uint64(i * 10),
			Code:     uint64(i % 4),
			Params:   []uint64{uint64(i), uint64(i % 3)},
			ThreadID: 9,
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func newTestClient(t *testing.T, cfg engine.Config) (*Client, *observability.LoadStats) {
	t.Helper()
	e, err := engine.New(cfg, engine.FileOpener{})
	require.NoError(t, err)
	stats := observability.NewLoadStats(time.Hour)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTraceServiceServer(srv, NewTraceServer(engine.NewSerialized(e), stats, nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), stats
}

func TestLoadTraceAndGetData(t *testing.T) {
	client, stats := newTestClient(t, engine.Config{MaxParams: 2})
	ctx := context.Background()

	_, err := client.GetData(ctx)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	info, err := client.LoadTrace(ctx, writeTrace(t, 50))
	require.NoError(t, err)
	assert.Equal(t, 50, info.Rows)
	assert.Equal(t, 9, info.Width)
	assert.NotEmpty(t, info.LoadID)
	assert.Equal(t, types.StopEndOfTrace.String(), info.Stop)
	assert.Empty(t, info.Warning)

	tbl, err := client.GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, tbl.Rows())
	assert.Equal(t, 9, tbl.Width())
	assert.Equal(t, info.LoadID, tbl.LoadID())
	assert.Equal(t, []int64{8, 70, 3, 2, 1, 9, tbl.At(7, types.FieldRaw), 7, 1}, tbl.Row(7))

	assert.Equal(t, int64(1), stats.Snapshot().Loads)
}

func TestGetData_LargeTableIsChunked(t *testing.T) {
	client, _ := newTestClient(t, engine.DefaultConfig())
	ctx := context.Background()

	// 30000 rows of width 23 is 5.5 MB, above the default 4 MiB message cap.
	const n = 30000
	info, err := client.LoadTrace(ctx, writeTrace(t, n))
	require.NoError(t, err)
	require.Equal(t, n, info.Rows)
	require.Greater(t, n*info.Width*8, 4<<20)

	tbl, err := client.GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, tbl.Rows())
	assert.Equal(t, 23, tbl.Width())
	for _, i := range []int{0, 5461, 5462, n - 1} {
		assert.Equal(t, int64(i+1), tbl.At(i, types.FieldSeq), "row %d", i)
		assert.Equal(t, int64(i*10), tbl.At(i, types.FieldTime), "row %d", i)
		assert.Equal(t, int64(i%3), tbl.At(i, types.FieldCPU), "row %d", i)
	}
}

func TestGetData_EmptyTable(t *testing.T) {
	client, _ := newTestClient(t, engine.DefaultConfig())
	ctx := context.Background()

	_, err := client.LoadTrace(ctx, writeTrace(t, 0))
	require.NoError(t, err)
	tbl, err := client.GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Rows())
	assert.Equal(t, 23, tbl.Width())
}

func TestChunkRows(t *testing.T) {
	body := make([]byte, 10*24)
	chunks := chunkRows(body, 24, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 96)
	assert.Len(t, chunks[1], 96)
	assert.Len(t, chunks[2], 48)

	assert.Len(t, chunkRows(body, 24, 10), 10, "rows wider than the limit go one per chunk")
	assert.Nil(t, chunkRows(nil, 24, 100))
}

func TestLoadTrace_TruncatedWarningInTrailer(t *testing.T) {
	client, _ := newTestClient(t, engine.DefaultConfig())
	path := writeTrace(t, 3)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// 32-bit words: 24-byte records plus a 16-byte end marker.
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-16-5], 0644))

	info, err := client.LoadTrace(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Rows)
	assert.Equal(t, types.StopTruncated.String(), info.Stop)
	assert.Contains(t, info.Warning, errors.CodeTruncatedTrace)
}

func TestLoadTrace_Errors(t *testing.T) {
	client, stats := newTestClient(t, engine.Config{MaxParams: types.DefaultMaxParams, SeedRows: 1, MaxRows: 2})
	ctx := context.Background()

	_, err := client.LoadTrace(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.LoadTrace(ctx, filepath.Join(t.TempDir(), "missing.evt"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	junk := filepath.Join(t.TempDir(), "junk.evt")
	require.NoError(t, os.WriteFile(junk, []byte("0123456789abcdefXYZ"), 0644))
	_, err = client.LoadTrace(ctx, junk)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.LoadTrace(ctx, writeTrace(t, 5))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// The failed load left no table behind.
	_, err = client.GetData(ctx)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	assert.Equal(t, int64(3), stats.Snapshot().Loads)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errors.NewOpenError("p", os.ErrNotExist), codes.NotFound},
		{errors.NewOpenError("p", errors.NewSourceError(errors.CodeUnsupportedScheme, "x", nil)), codes.InvalidArgument},
		{errors.NewOpenError("p", tracefile.ErrBadMagic), codes.FailedPrecondition},
		{errors.NewAllocationError("p", 3, nil), codes.ResourceExhausted},
		{errors.NewNoDataError(), codes.FailedPrecondition},
		{errors.NewInvariantError("x"), codes.Internal},
		{fmt.Errorf("plain"), codes.Unknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(toStatus(tt.err)), tt.err.Error())
	}
}
