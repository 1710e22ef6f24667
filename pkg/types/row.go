package types

import "fmt"

// Field indexes of the fixed part of a row.
const (
	FieldSeq = iota
	FieldTime
	FieldCode
	FieldNumParams
	FieldCPU
	FieldThreadID
	FieldRaw

	// BaseFields is the number of fixed fields preceding the parameters.
	BaseFields
)

const (
	// DefaultMaxParams is the parameter cap used when none is configured.
	DefaultMaxParams = 16

	// MaxParamsLimit bounds the configurable cap. The native format cannot
	// carry more than 255 parameters per record.
	MaxParamsLimit = 255
)

// Layout describes the fixed-width row shape: BaseFields followed by
// MaxParams parameter slots.
type Layout struct {
	MaxParams int `json:"max_params" yaml:"max_params"`
}

// DefaultLayout returns the layout with DefaultMaxParams parameter slots.
func DefaultLayout() Layout {
	return Layout{MaxParams: DefaultMaxParams}
}

// NewLayout returns a layout with the given parameter cap.
func NewLayout(maxParams int) (Layout, error) {
	l := Layout{MaxParams: maxParams}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Validate checks the parameter cap.
func (l Layout) Validate() error {
	if l.MaxParams < 1 || l.MaxParams > MaxParamsLimit {
		return fmt.Errorf("max_params must be between 1 and %d, got %d", MaxParamsLimit, l.MaxParams)
	}
	return nil
}

// Width returns the number of int64 elements per row.
func (l Layout) Width() int {
	return BaseFields + l.MaxParams
}

// ParamField returns the row index of parameter i.
func (l Layout) ParamField(i int) int {
	return BaseFields + i
}

// Fill projects ev into dst as row number seq (1-based).
//
// dst must be exactly Width() elements long. Fill writes every element, so
// dst may hold stale data from a previous row. The parameter count is clamped
// to MaxParams and surplus parameters are dropped.
func (l Layout) Fill(dst []int64, seq int64, ev *Event) {
	_ = dst[l.Width()-1]

	n := len(ev.Params)
	if n > l.MaxParams {
		n = l.MaxParams
	}

	dst[FieldSeq] = seq
	dst[FieldTime] = int64(ev.Time)
	dst[FieldCode] = int64(ev.Code)
	dst[FieldNumParams] = int64(n)
	dst[FieldCPU] = int64(ev.CPU())
	dst[FieldThreadID] = int64(ev.ThreadID)
	dst[FieldRaw] = int64(ev.Raw)

	params := dst[BaseFields:]
	for i := 0; i < n; i++ {
		params[i] = int64(ev.Params[i])
	}
	for i := n; i < len(params); i++ {
		params[i] = 0
	}
}

// Row returns a freshly allocated row for ev.
func (l Layout) Row(seq int64, ev *Event) []int64 {
	row := make([]int64, l.Width())
	l.Fill(row, seq, ev)
	return row
}
