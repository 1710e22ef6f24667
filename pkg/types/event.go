// Package types provides the core data types shared by the trace reader, the
// row buffer engine and the API surfaces.
package types

// Event is one decoded record of a native trace.
//
// Params holds every parameter the source reported, in order. It may be longer
// than any row layout's parameter cap; clamping happens when the event is
// projected into a row.
type Event struct {
	// Time is the event timestamp in nanoseconds
	Time uint64

	// Code is the source-defined event identifier
	Code uint64

	// NumParams is the parameter count reported by the source
	NumParams uint32

	// Params are the parameter words, len(Params) == NumParams
	Params []uint64

	// ThreadID identifies the thread that emitted the event
	ThreadID uint64

	// Raw is an opaque handle to the source record (identity only)
	Raw uint64
}

// CPUParamIndex is the parameter slot that carries the CPU identifier by
// convention of the native trace format. It is not a named field of the
// record, so it has to be checked against the producer's layout.
const CPUParamIndex = 1

// CPU returns the CPU identifier carried in the conventional parameter slot,
// or 0 when the event does not have that many parameters.
func (e *Event) CPU() uint64 {
	if len(e.Params) > CPUParamIndex {
		return e.Params[CPUParamIndex]
	}
	return 0
}

// Reset clears the event for reuse, keeping the parameter backing array.
func (e *Event) Reset() {
	e.Time = 0
	e.Code = 0
	e.NumParams = 0
	e.Params = e.Params[:0]
	e.ThreadID = 0
	e.Raw = 0
}
