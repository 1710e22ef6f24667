// Package engine decodes traces into a fixed-width row table.
//
// An Engine owns exactly one table at a time. Load releases the current table
// before doing anything else, pulls events from an EventSource until the
// trace ends, and projects every event into a row. Snapshot and Data hand out
// borrowed views that stay valid until the next Load.
//
// An Engine is not safe for concurrent use; callers that share one across
// goroutines wrap it in a Serialized.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tracetab/tracetab/internal/errors"
	"github.com/tracetab/tracetab/internal/rowbuf"
	"github.com/tracetab/tracetab/pkg/types"
)

// State is the lifecycle state of the engine's table.
type State int

const (
	// StateEmpty means no load has been attempted.
	StateEmpty State = iota
	// StateLoading means a load is in progress.
	StateLoading
	// StateReady means a table is available.
	StateReady
	// StateFailed means the last load failed and the table is empty.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds configuration for the engine.
type Config struct {
	// MaxParams is the parameter cap of a row, 1 to types.MaxParamsLimit.
	// Unlike the row limits it has no implicit default; start from
	// DefaultConfig.
	MaxParams int

	// SeedRows is the capacity of the first buffer growth (default: 1024).
	SeedRows int

	// MaxRows bounds the buffer capacity in rows. Growth past it fails the
	// load with an allocation error. Zero means unbounded.
	MaxRows int

	// TraceEvents logs one debug entry per decoded event.
	TraceEvents bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxParams: types.DefaultMaxParams,
		SeedRows:  rowbuf.DefaultSeedRows,
	}
}

// LoadResult describes a load that produced a table.
type LoadResult struct {
	LoadID   string
	Path     string
	Rows     int
	Width    int
	Stop     types.StopCode
	Duration time.Duration

	// Warning is a TRUNCATED_TRACE error when decoding stopped before the
	// end of the trace. The rows decoded up to that point are kept.
	Warning error
}

// Truncated reports whether the trace was not fully consumed.
func (r *LoadResult) Truncated() bool { return r.Warning != nil }

// Engine decodes traces into a row table it owns.
type Engine struct {
	config Config
	opener Opener
	layout types.Layout
	logger *zap.Logger
	buf    *rowbuf.Buffer

	state      State
	rows       int // committed row count, set when a load completes
	generation uint64
	loadID     string
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger *zap.Logger
	alloc  rowbuf.Allocator
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAllocator sets the row storage allocator. It takes precedence over
// Config.MaxRows.
func WithAllocator(a rowbuf.Allocator) Option {
	return func(o *engineOptions) { o.alloc = a }
}

// New creates an engine that opens traces with opener.
func New(config Config, opener Opener, opts ...Option) (*Engine, error) {
	if opener == nil {
		return nil, errors.NewConfigError("engine: opener is required", nil)
	}
	if config.SeedRows == 0 {
		config.SeedRows = rowbuf.DefaultSeedRows
	}
	if config.SeedRows < 0 || config.MaxRows < 0 {
		return nil, errors.NewConfigError(fmt.Sprintf("engine: invalid row limits seed=%d max=%d", config.SeedRows, config.MaxRows), nil)
	}
	layout, err := types.NewLayout(config.MaxParams)
	if err != nil {
		return nil, errors.NewConfigError("engine: invalid layout", err)
	}

	o := engineOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.alloc == nil {
		o.alloc = rowbuf.HeapAllocator{MaxElems: config.MaxRows * layout.Width()}
	}

	return &Engine{
		config: config,
		opener: opener,
		layout: layout,
		logger: o.logger,
		buf:    rowbuf.New(layout.Width(), rowbuf.WithSeedRows(config.SeedRows), rowbuf.WithAllocator(o.alloc)),
	}, nil
}

// Layout returns the row layout of every table the engine produces.
func (e *Engine) Layout() types.Layout { return e.layout }

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Load decodes the trace at path and replaces the current table with it.
//
// The previous table is released first, so on any failure the engine holds no
// table. An open failure returns an OPEN_FAILED error and a growth failure an
// ALLOCATION_FAILED error. When the source stops before the end of the trace
// the rows decoded so far are kept and the result carries a TRUNCATED_TRACE
// warning; that is not an error.
//
// ctx governs opening the trace. Once decoding starts it runs to the end.
func (e *Engine) Load(ctx context.Context, path string) (*LoadResult, error) {
	start := time.Now()
	e.reset()
	e.state = StateLoading
	e.generation++
	loadID := uuid.NewString()

	log := e.logger.With(zap.String("load_id", loadID), zap.String("path", path))

	src, err := e.opener.Open(ctx, path)
	if err != nil {
		e.state = StateFailed
		log.Error("failed to open trace", zap.Error(err))
		return nil, errors.NewOpenError(path, err)
	}
	defer src.Close()

	stop, cause, err := e.decode(src, log)
	if err != nil {
		rows := e.buf.Len()
		e.buf.Release()
		e.state = StateFailed
		log.Error("row buffer growth failed, table released", zap.Int("rows", rows), zap.Error(err))
		return nil, errors.NewAllocationError(path, rows, err)
	}

	e.rows = e.buf.Len()
	e.loadID = loadID
	e.state = StateReady

	result := &LoadResult{
		LoadID:   loadID,
		Path:     path,
		Rows:     e.rows,
		Width:    e.layout.Width(),
		Stop:     stop,
		Duration: time.Since(start),
	}
	if !stop.Clean() || cause != nil {
		result.Warning = errors.NewTruncatedError(path, stop, e.rows, cause)
		log.Warn("trace not fully consumed",
			zap.Stringer("stop", stop),
			zap.Int("rows", e.rows),
			zap.Error(cause))
	}

	log.Info("trace loaded",
		zap.Int("rows", result.Rows),
		zap.Int("width", result.Width),
		zap.Int("capacity", e.buf.Cap()),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// decode pulls events until the source stops. cause is the error the source
// stopped with, if any. err is non-nil only when the buffer could not grow.
func (e *Engine) decode(src EventSource, log *zap.Logger) (stop types.StopCode, cause, err error) {
	var ev types.Event
	for {
		stop, cause = src.Next(&ev)
		if stop != types.StopOK || cause != nil {
			if stop == types.StopOK {
				stop = types.StopReadError
			}
			return stop, cause, nil
		}

		row, err := e.buf.Append()
		if err != nil {
			return stop, nil, err
		}
		seq := int64(e.buf.Len())
		e.layout.Fill(row, seq, &ev)

		if e.config.TraceEvents {
			if ce := log.Check(zap.DebugLevel, "event"); ce != nil {
				ce.Write(
					zap.Int64("seq", seq),
					zap.Uint64("time", ev.Time),
					zap.Uint64("code", ev.Code),
					zap.Int64("nb_params", row[types.FieldNumParams]),
					zap.Uint64("cpu", ev.CPU()),
					zap.Uint64("tid", ev.ThreadID))
			}
		}
	}
}

// Snapshot returns the current table. Before any successful load, and after a
// failed one, it returns an empty table. The view is valid until the next
// Load.
func (e *Engine) Snapshot() (types.Table, error) {
	if e.rows > 0 && !e.buf.Allocated() {
		return types.Table{}, errors.NewInvariantError(fmt.Sprintf("table records %d rows but holds no storage", e.rows))
	}
	if e.state != StateReady {
		if e.rows != 0 {
			return types.Table{}, errors.NewInvariantError(fmt.Sprintf("table in state %s records %d rows", e.state, e.rows))
		}
		return types.EmptyTable(e.layout), nil
	}

	data := e.buf.Elements()
	if e.rows != e.buf.Len() {
		return types.Table{}, errors.NewInvariantError(fmt.Sprintf("table records %d rows, buffer holds %d", e.rows, e.buf.Len()))
	}
	t, err := types.NewTable(e.layout, data, e.generation, e.loadID)
	if err != nil {
		return types.Table{}, errors.Wrap(errors.ErrCategoryTable, errors.CodeInvariantViolation, "table is not a whole number of rows", err)
	}
	return t, nil
}

// Data returns the loaded table as a (rows, width) matrix view. It fails with
// NO_DATA unless a load has succeeded since the last failure.
func (e *Engine) Data() (types.Table, error) {
	if e.state != StateReady {
		if _, err := e.Snapshot(); err != nil {
			return types.Table{}, err
		}
		return types.Table{}, errors.NewNoDataError()
	}
	return e.Snapshot()
}

// Release drops the current table and returns the engine to the empty state.
func (e *Engine) Release() {
	e.reset()
	e.state = StateEmpty
}

func (e *Engine) reset() {
	e.buf.Release()
	e.rows = 0
	e.loadID = ""
}
