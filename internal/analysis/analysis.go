// Package analysis derives summaries from a loaded trace table: event counts
// per code and per CPU, and per-CPU intervals between occurrences of one
// event code.
package analysis

import (
	"sort"

	"github.com/tracetab/tracetab/pkg/types"
)

// Count is the number of rows sharing one field value.
type Count struct {
	Key   int64 `json:"key"`
	Count int   `json:"count"`
}

// CodeCounts counts rows per event code, most frequent first.
func CodeCounts(t types.Table) []Count {
	return countBy(t, types.FieldCode)
}

// CPUCounts counts rows per CPU, most frequent first.
func CPUCounts(t types.Table) []Count {
	return countBy(t, types.FieldCPU)
}

// countBy counts rows per value of field f. Ties are ordered by key.
func countBy(t types.Table, f int) []Count {
	counts := make(map[int64]int)
	for i := 0; i < t.Rows(); i++ {
		counts[t.At(i, f)]++
	}

	out := make([]Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, Count{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Top returns at most n leading entries of counts. n <= 0 returns all.
func Top(counts []Count, n int) []Count {
	if n <= 0 || n >= len(counts) {
		return counts
	}
	return counts[:n]
}

// Summary describes the overall shape of a table.
type Summary struct {
	Rows      int   `json:"rows"`
	Width     int   `json:"width"`
	FirstTime int64 `json:"first_time_ns"`
	LastTime  int64 `json:"last_time_ns"`
	Span      int64 `json:"span_ns"`
	Codes     int   `json:"codes"`
	CPUs      int   `json:"cpus"`
	Threads   int   `json:"threads"`
	Clamped   int   `json:"clamped_rows"`
}

// Summarize computes the table summary. Clamped counts rows whose parameter
// count reached the layout cap, which may have dropped parameters.
func Summarize(t types.Table) Summary {
	s := Summary{Rows: t.Rows(), Width: t.Width()}
	if t.Rows() == 0 {
		return s
	}

	codes := make(map[int64]struct{})
	cpus := make(map[int64]struct{})
	threads := make(map[int64]struct{})
	maxParams := int64(t.Layout().MaxParams)

	s.FirstTime = t.At(0, types.FieldTime)
	s.LastTime = s.FirstTime
	for i := 0; i < t.Rows(); i++ {
		row := t.Row(i)
		tm := row[types.FieldTime]
		if tm < s.FirstTime {
			s.FirstTime = tm
		}
		if tm > s.LastTime {
			s.LastTime = tm
		}
		codes[row[types.FieldCode]] = struct{}{}
		cpus[row[types.FieldCPU]] = struct{}{}
		threads[row[types.FieldThreadID]] = struct{}{}
		if row[types.FieldNumParams] == maxParams {
			s.Clamped++
		}
	}
	s.Span = s.LastTime - s.FirstTime
	s.Codes = len(codes)
	s.CPUs = len(cpus)
	s.Threads = len(threads)
	return s
}
