package analysis

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"github.com/tracetab/tracetab/pkg/types"
)

// Interval is the span between two successive events of one code on one CPU.
type Interval struct {
	CPU      int64 `json:"cpu"`
	Code     int64 `json:"code"`
	Start    int64 `json:"start_ns"`
	Finish   int64 `json:"finish_ns"`
	Duration int64 `json:"duration_ns"`
	Depth    int   `json:"depth"`
}

// Intervals walks the table in order and, for every row carrying code,
// emits the interval from the previous row with that code on the same CPU.
// The first occurrence on each CPU only opens an interval.
func Intervals(t types.Table, code int64) []Interval {
	var out []Interval
	last := make(map[int64]int64)

	for i := 0; i < t.Rows(); i++ {
		row := t.Row(i)
		if row[types.FieldCode] != code {
			continue
		}
		cpu := row[types.FieldCPU]
		tm := row[types.FieldTime]
		if start, ok := last[cpu]; ok {
			out = append(out, Interval{
				CPU:      cpu,
				Code:     code,
				Start:    start,
				Finish:   tm,
				Duration: tm - start,
			})
		}
		last[cpu] = tm
	}
	return out
}

// AssignDepth sets the nesting depth of every interval within its CPU. Depth
// is 1-based: a top-level interval has depth 1, and an interval that starts
// before the enclosing one finishes sits one level deeper. The slice is
// reordered by CPU, then start, then longest first.
func AssignDepth(intervals []Interval) {
	sort.SliceStable(intervals, func(i, j int) bool {
		a, b := intervals[i], intervals[j]
		if a.CPU != b.CPU {
			return a.CPU < b.CPU
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.Finish > b.Finish
	})

	var stack []int64 // finish times of open intervals
	for i := range intervals {
		if i == 0 || intervals[i].CPU != intervals[i-1].CPU {
			stack = stack[:0]
		}
		for len(stack) > 0 && intervals[i].Start >= stack[len(stack)-1] {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, intervals[i].Finish)
		intervals[i].Depth = len(stack)
	}
}

// intervalHeader is the column layout read by Gantt and flame graph viewers.
var intervalHeader = []string{"Thread", "Function", "Start", "Finish", "Duration", "Depth"}

// WriteCSV writes intervals with one row per interval. Thread is the CPU,
// Function is the event code and Depth is as set by AssignDepth, starting
// at 1.
func WriteCSV(w io.Writer, intervals []Interval) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(intervalHeader); err != nil {
		return err
	}
	for _, iv := range intervals {
		rec := []string{
			strconv.FormatInt(iv.CPU, 10),
			strconv.FormatInt(iv.Code, 10),
			strconv.FormatInt(iv.Start, 10),
			strconv.FormatInt(iv.Finish, 10),
			strconv.FormatInt(iv.Duration, 10),
			strconv.Itoa(iv.Depth),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
