package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "github.com/tracetab/tracetab/internal/api/grpc"
	"github.com/tracetab/tracetab/internal/config"
	"github.com/tracetab/tracetab/internal/tracefile"
	"github.com/tracetab/tracetab/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	return cfg
}

func writeTrace(t *testing.T, path string, n int) {
	t.Helper()
	w, err := tracefile.Create(path, tracefile.WriterOptions{})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Write(&types.Event{Time: uint64(i), Code: 5, Params: []uint64{1, 2, 3}}))
	}
	require.NoError(t, w.Close())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MaxParams = 0
	_, err := New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Storage.Type = "ftp"
	_, err = New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestApp_ServesStoredTraces(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Put a trace into the object store through the resolver.
	local := filepath.Join(t.TempDir(), "run.evt")
	writeTrace(t, local, 25)
	ctx := context.Background()
	require.NoError(t, a.Resolver().Put(ctx, local, "store://runs/run.evt"))

	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background())
	assert.Error(t, a.Start(ctx), "second start")

	body, err := json.Marshal(map[string]string{"path": "store://runs/run.evt"})
	require.NoError(t, err)
	resp, err := http.Post("http://"+a.HTTPAddr()+"/v1/load", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(a.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	tbl, err := grpcapi.NewClient(conn).GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, tbl.Rows())
	assert.Equal(t, int64(2), tbl.At(0, types.FieldCPU))

	assert.Equal(t, int64(1), a.Stats().Snapshot().Loads)
}

func TestApp_StopIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPC.Enabled = false
	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.Empty(t, a.GRPCAddr())
	addr := a.HTTPAddr()

	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))

	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err)
}

func TestApp_CachesRemoteTraces(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.CacheBytes = 1 << 20
	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, a.Cache())

	local := filepath.Join(t.TempDir(), "run.evt")
	writeTrace(t, local, 8)
	ctx := context.Background()
	require.NoError(t, a.Resolver().Put(ctx, local, "store://run.evt"))

	for i := 0; i < 2; i++ {
		res, err := a.Engine().Load(ctx, "store://run.evt")
		require.NoError(t, err)
		assert.Equal(t, 8, res.Rows)
	}
	hits, misses, _, _, _ := a.Cache().Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	b, err := New(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, b.Cache(), "disabled by default")
}
