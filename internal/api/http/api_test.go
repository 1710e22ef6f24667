package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetab/tracetab/internal/engine"
	"github.com/tracetab/tracetab/internal/errors"
	"github.com/tracetab/tracetab/internal/observability"
	"github.com/tracetab/tracetab/internal/tracefile"
	"github.com/tracetab/tracetab/pkg/types"
)

// writeTrace writes n events cycling over two CPUs. Every third event has
// code 269.
func writeTrace(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.evt")
	w, err := tracefile.Create(path, tracefile.WriterOptions{})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		code := uint64(10 + i%3)
		if i%3 == 0 {
			code = 269
		}
		require.NoError(t, w.Write(&types.Event{
			Time:     uint64(100 * i),
			Code:     code,
			Params:   []uint64{uint64(i), uint64(i % 2)},
			ThreadID: 1,
		}))
	}
	require.NoError(t, w.Close())
	return path
}

type testServer struct {
	*httptest.Server
	stats *observability.LoadStats
}

func newTestServer(t *testing.T, cfg engine.Config) *testServer {
	t.Helper()
	e, err := engine.New(cfg, engine.FileOpener{})
	require.NoError(t, err)
	stats := observability.NewLoadStats(time.Hour)
	rt := NewRouter(RouterConfig{
		Engine:        engine.NewSerialized(e),
		Stats:         stats,
		MaxResultRows: 5,
	})
	srv := httptest.NewServer(rt)
	t.Cleanup(func() {
		srv.Close()
		rt.Close()
	})
	return &testServer{Server: srv, stats: stats}
}

func (s *testServer) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) get(t *testing.T, path string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestLoadAndData(t *testing.T) {
	srv := newTestServer(t, engine.DefaultConfig())
	path := writeTrace(t, 12)

	resp := srv.post(t, "/v1/load", LoadRequest{Path: path})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var lr LoadResponse
	decode(t, resp, &lr)
	assert.Equal(t, 12, lr.Rows)
	assert.Equal(t, 23, lr.Width)
	assert.Equal(t, types.StopEndOfTrace.String(), lr.Stop)
	assert.Empty(t, lr.Warning)

	resp = srv.get(t, "/v1/data?offset=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "12", resp.Header.Get(HeaderRows))
	assert.Equal(t, "23", resp.Header.Get(HeaderWidth))
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	var dr DataResponse
	decode(t, resp, &dr)
	assert.Equal(t, 12, dr.Rows)
	assert.Equal(t, lr.LoadID, dr.LoadID)
	require.Len(t, dr.Data, 2)
	assert.Equal(t, int64(11), dr.Data[0][types.FieldSeq])
	assert.Equal(t, int64(1000), dr.Data[0][types.FieldTime])
	assert.Equal(t, int64(0), dr.Data[0][types.FieldCPU])
	assert.Equal(t, "p0", dr.Columns[types.BaseFields])

	resp = srv.get(t, "/v1/data?limit=3")
	decode(t, resp, &dr)
	assert.Len(t, dr.Data, 3)

	resp = srv.get(t, "/v1/data", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp = srv.get(t, "/v1/data", "Accept", ContentTypeMatrix)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeMatrix, resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	data, err := types.DecodeMatrix(body, 23)
	require.NoError(t, err)
	assert.Len(t, data, 12*23)
	assert.Equal(t, int64(1), data[types.FieldSeq])

	resp = srv.get(t, "/v1/data?offset=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestData_BeforeLoad(t *testing.T) {
	srv := newTestServer(t, engine.DefaultConfig())

	resp := srv.get(t, "/v1/data")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var er ErrorResponse
	decode(t, resp, &er)
	assert.Equal(t, errors.CodeNoData, er.Code)
	assert.NotEmpty(t, er.RequestID)
}

func TestLoad_Errors(t *testing.T) {
	srv := newTestServer(t, engine.Config{MaxParams: 16, SeedRows: 2, MaxRows: 4})

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"missing file", filepath.Join(t.TempDir(), "missing.evt"), http.StatusNotFound, errors.CodeOpenFailed},
		{"not a trace", func() string {
			p := filepath.Join(t.TempDir(), "junk.evt")
			require.NoError(t, os.WriteFile(p, []byte("definitely not a trace"), 0644))
			return p
		}(), http.StatusUnprocessableEntity, errors.CodeOpenFailed},
		{"too many rows", writeTrace(t, 10), http.StatusInsufficientStorage, errors.CodeAllocationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.post(t, "/v1/load", LoadRequest{Path: tt.path})
			assert.Equal(t, tt.status, resp.StatusCode)
			var er ErrorResponse
			decode(t, resp, &er)
			assert.Equal(t, tt.code, er.Code)
		})
	}

	resp := srv.post(t, "/v1/load", LoadRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.get(t, "/v1/load")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	snap := srv.stats.Snapshot()
	assert.Equal(t, int64(3), snap.Loads)
	assert.Equal(t, int64(2), snap.Outcomes[errors.CodeOpenFailed])
	assert.Equal(t, int64(1), snap.Outcomes[errors.CodeAllocationFailed])
}

func TestLoad_TruncatedWarning(t *testing.T) {
	srv := newTestServer(t, engine.DefaultConfig())
	path := writeTrace(t, 5)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Drop the 24-byte end marker and half of the last 40-byte record.
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-44], 0644))

	resp := srv.post(t, "/v1/load", LoadRequest{Path: path})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr LoadResponse
	decode(t, resp, &lr)
	assert.Equal(t, 4, lr.Rows)
	assert.Equal(t, types.StopTruncated.String(), lr.Stop)
	assert.Contains(t, lr.Warning, errors.CodeTruncatedTrace)
	assert.Equal(t, int64(1), srv.stats.Snapshot().Truncated)
}

func TestDeleteData(t *testing.T) {
	srv := newTestServer(t, engine.DefaultConfig())
	srv.post(t, "/v1/load", LoadRequest{Path: writeTrace(t, 3)})

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/data", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, http.StatusConflict, srv.get(t, "/v1/data").StatusCode)
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, engine.DefaultConfig())

	var sr StatsResponse
	decode(t, srv.get(t, "/v1/stats"), &sr)
	assert.Equal(t, engine.StateEmpty.String(), sr.State)
	assert.Nil(t, sr.Summary)

	path := writeTrace(t, 10)
	srv.post(t, "/v1/load", LoadRequest{Path: path})

	sr = StatsResponse{}
	decode(t, srv.get(t, "/v1/stats"), &sr)
	assert.Equal(t, engine.StateReady.String(), sr.State)
	require.NotNil(t, sr.Summary)
	assert.Equal(t, 10, sr.Summary.Rows)
	assert.Equal(t, int64(900), sr.Summary.Span)
	assert.Equal(t, 2, sr.Summary.CPUs)
	require.NotEmpty(t, sr.TopCodes)
	assert.Equal(t, int64(269), sr.TopCodes[0].Key)
	assert.Equal(t, 4, sr.TopCodes[0].Count)
	require.NotNil(t, sr.Loads)
	assert.Equal(t, int64(1), sr.Loads.Loads)
	require.Len(t, sr.Paths, 1)
	assert.Equal(t, path, sr.Paths[0].Path)
}

func TestIntervals(t *testing.T) {
	srv := newTestServer(t, engine.DefaultConfig())
	assert.Equal(t, http.StatusConflict, srv.get(t, "/v1/intervals?code=269").StatusCode)

	srv.post(t, "/v1/load", LoadRequest{Path: writeTrace(t, 13)})

	// code 269 at i = 0,3,6,9,12 with CPU i%2: CPU0 at 0,6,12 and CPU1 at 3,9.
	var ir IntervalsResponse
	decode(t, srv.get(t, "/v1/intervals?code=269"), &ir)
	require.Len(t, ir.Intervals, 3)
	for _, iv := range ir.Intervals {
		assert.Equal(t, int64(600), iv.Duration)
	}

	resp := srv.get(t, "/v1/intervals?code=269&format=csv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Equal(t, "Thread,Function,Start,Finish,Duration,Depth", lines[0])
	assert.Equal(t, "0,269,0,600,600,1", lines[1])
	assert.Len(t, lines, 4)

	assert.Equal(t, http.StatusBadRequest, srv.get(t, "/v1/intervals?code=x").StatusCode)
}

func TestQuery(t *testing.T) {
	srv := newTestServer(t, engine.DefaultConfig())

	resp := srv.post(t, "/v1/query", QueryRequest{SQL: "SELECT 1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	srv.post(t, "/v1/load", LoadRequest{Path: writeTrace(t, 9)})

	resp = srv.post(t, "/v1/query", QueryRequest{SQL: "SELECT COUNT(*) AS n FROM events WHERE code = 269"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var qr QueryResponse
	decode(t, resp, &qr)
	assert.Equal(t, []string{"n"}, qr.Columns)
	assert.Equal(t, [][]interface{}{{float64(3)}}, qr.Rows)
	assert.True(t, qr.Stats.ViewRebuilt)

	resp = srv.post(t, "/v1/query", QueryRequest{SQL: "SELECT seq FROM events"})
	qr = QueryResponse{}
	decode(t, resp, &qr)
	assert.Len(t, qr.Rows, 5)
	assert.True(t, qr.Truncated)
	assert.False(t, qr.Stats.ViewRebuilt)

	// A new load rebuilds the view.
	srv.post(t, "/v1/load", LoadRequest{Path: writeTrace(t, 2)})
	resp = srv.post(t, "/v1/query", QueryRequest{SQL: "SELECT COUNT(*) FROM events"})
	qr = QueryResponse{}
	decode(t, resp, &qr)
	assert.True(t, qr.Stats.ViewRebuilt)
	assert.Equal(t, float64(2), qr.Rows[0][0])

	resp = srv.post(t, "/v1/query", QueryRequest{SQL: "DELETE FROM events"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var er ErrorResponse
	decode(t, resp, &er)
	assert.Equal(t, errors.CodeReadOnly, er.Code)

	resp = srv.post(t, "/v1/query", QueryRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndRequestID(t *testing.T) {
	srv := newTestServer(t, engine.DefaultConfig())

	var body map[string]string
	decode(t, srv.get(t, "/health"), &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "empty", body["state"])

	resp := srv.get(t, "/v1/stats", "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

type panicEngine struct{ TableEngine }

func (panicEngine) View(func(types.Table) error) error { panic("boom") }

func TestRecoveryMiddleware(t *testing.T) {
	h := DefaultMiddleware(nil)(NewDataHandler(panicEngine{}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/data", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.NewNoDataError(), http.StatusConflict},
		{errors.NewInvariantError("x"), http.StatusInternalServerError},
		{errors.NewAllocationError("p", 1, nil), http.StatusInsufficientStorage},
		{errors.NewOpenError("p", os.ErrNotExist), http.StatusNotFound},
		{errors.NewOpenError("p", fmt.Errorf("wrap: %w", tracefile.ErrUnsupportedVersion)), http.StatusUnprocessableEntity},
		{errors.NewOpenError("p", errors.NewSourceError(errors.CodeFetchFailed, "x", nil)), http.StatusBadGateway},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for i, tt := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
