package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tracetab/tracetab/pkg/types"
)

// Response headers describing the table shape.
const (
	HeaderRows  = "X-Table-Rows"
	HeaderWidth = "X-Table-Width"
)

// ContentTypeMatrix is the media type of the raw little-endian int64 matrix.
const ContentTypeMatrix = "application/octet-stream"

// DataResponse is the JSON form of the table.
type DataResponse struct {
	LoadID     string    `json:"load_id"`
	Generation uint64    `json:"generation"`
	Rows       int       `json:"rows"`
	Width      int       `json:"width"`
	Columns    []string  `json:"columns"`
	Offset     int       `json:"offset"`
	Data       [][]int64 `json:"data"`
}

// DataHandler handles GET /v1/data and DELETE /v1/data requests.
//
// GET returns the table as JSON, or as the raw matrix when the client asks
// for application/octet-stream via Accept or format=binary. The ETag is the
// table fingerprint. JSON responses accept offset and limit in rows.
// DELETE releases the table.
type DataHandler struct {
	engine TableEngine
}

// NewDataHandler creates a new data handler.
func NewDataHandler(e TableEngine) *DataHandler {
	return &DataHandler{engine: e}
}

// ServeHTTP handles the data HTTP request.
func (h *DataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodDelete:
		h.engine.Release()
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid offset: %v", err), requestID)
		return
	}
	limit, err := intParam(q.Get("limit"), -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %v", err), requestID)
		return
	}
	binary := q.Get("format") == "binary" || strings.Contains(r.Header.Get("Accept"), ContentTypeMatrix)

	err = h.engine.View(func(t types.Table) error {
		etag := `"` + t.Fingerprint() + `"`
		w.Header().Set("ETag", etag)
		w.Header().Set(HeaderRows, strconv.Itoa(t.Rows()))
		w.Header().Set(HeaderWidth, strconv.Itoa(t.Width()))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return nil
		}

		if binary {
			body := t.MarshalBinary()
			w.Header().Set("Content-Type", ContentTypeMatrix)
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				w.Write(body)
			}
			return nil
		}

		writeJSON(w, http.StatusOK, tableJSON(t, offset, limit))
		return nil
	})
	if err != nil {
		writeTraceError(w, err, requestID)
	}
}

func tableJSON(t types.Table, offset, limit int) DataResponse {
	resp := DataResponse{
		LoadID:     t.LoadID(),
		Generation: t.Generation(),
		Rows:       t.Rows(),
		Width:      t.Width(),
		Columns:    t.Layout().ColumnNames(),
		Offset:     offset,
		Data:       [][]int64{},
	}
	end := t.Rows()
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	for i := offset; i < end; i++ {
		row := make([]int64, t.Width())
		copy(row, t.Row(i))
		resp.Data = append(resp.Data, row)
	}
	return resp
}

// intParam parses a non-negative integer query parameter.
func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}
