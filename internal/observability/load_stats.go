// Package observability tracks load statistics for the stats endpoints.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/tracetab/tracetab/internal/engine"
	"github.com/tracetab/tracetab/internal/errors"
)

// OutcomeOK is the outcome recorded for a load that returned no error.
const OutcomeOK = "OK"

// LoadStats tracks load outcomes overall and per trace path.
type LoadStats struct {
	mu        sync.RWMutex
	paths     map[string]*PathStats
	outcomes  map[string]int64
	total     int64
	truncated int64
	rows      int64
	last      *LoadRecord
	window    time.Duration
}

// PathStats holds statistics for one trace path.
type PathStats struct {
	Path      string           `json:"path"`
	Loads     int64            `json:"loads"`
	LastSeen  time.Time        `json:"last_seen"`
	LastRows  int              `json:"last_rows"`
	Outcomes  map[string]int64 `json:"outcomes"` // outcome → count (e.g., "OK" → 5, "OPEN_FAILED" → 1)
	totalTime time.Duration
}

// AvgDuration is the mean duration of the recorded loads.
func (p PathStats) AvgDuration() time.Duration {
	if p.Loads == 0 {
		return 0
	}
	return p.totalTime / time.Duration(p.Loads)
}

// LoadRecord describes the most recent load.
type LoadRecord struct {
	Path      string        `json:"path"`
	LoadID    string        `json:"load_id,omitempty"`
	Outcome   string        `json:"outcome"`
	Rows      int           `json:"rows"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Loads     int64            `json:"loads"`
	Truncated int64            `json:"truncated"`
	Rows      int64            `json:"rows"`
	Outcomes  map[string]int64 `json:"outcomes"`
	Last      *LoadRecord      `json:"last,omitempty"`
}

// NewLoadStats creates a new load statistics tracker.
// window: time duration for pruning idle paths (e.g., 1 hour)
func NewLoadStats(window time.Duration) *LoadStats {
	return &LoadStats{
		paths:    make(map[string]*PathStats),
		outcomes: make(map[string]int64),
		window:   window,
	}
}

// Record records the outcome of one load. res may be nil when err is set.
func (s *LoadStats) Record(path string, res *engine.LoadResult, err error) {
	rec := LoadRecord{Path: path, Outcome: OutcomeOK, At: time.Now()}
	if err != nil {
		rec.Outcome = errors.GetCode(err)
		if rec.Outcome == "" {
			rec.Outcome = errors.CodeUnexpected
		}
	}
	if res != nil {
		rec.LoadID = res.LoadID
		rec.Rows = res.Rows
		rec.Truncated = res.Truncated()
		rec.Duration = res.Duration
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ps, exists := s.paths[path]
	if !exists {
		ps = &PathStats{Path: path, Outcomes: make(map[string]int64)}
		s.paths[path] = ps
	}
	ps.Loads++
	ps.LastSeen = rec.At
	ps.LastRows = rec.Rows
	ps.Outcomes[rec.Outcome]++
	ps.totalTime += rec.Duration

	s.total++
	s.outcomes[rec.Outcome]++
	s.rows += int64(rec.Rows)
	if rec.Truncated {
		s.truncated++
	}
	s.last = &rec
}

// Snapshot returns a copy of the global counters.
func (s *LoadStats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Loads:     s.total,
		Truncated: s.truncated,
		Rows:      s.rows,
		Outcomes:  make(map[string]int64, len(s.outcomes)),
	}
	for k, v := range s.outcomes {
		snap.Outcomes[k] = v
	}
	if s.last != nil {
		last := *s.last
		snap.Last = &last
	}
	return snap
}

// GetTopPaths returns the top N paths by load count.
// Returns a copy of the stats sorted by count (descending), then by path.
func (s *LoadStats) GetTopPaths(n int) []PathStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.paths) == 0 {
		return []PathStats{}
	}

	stats := make([]PathStats, 0, len(s.paths))
	for _, p := range s.paths {
		// Deep copy so callers cannot modify the tracked outcomes
		c := *p
		c.Outcomes = make(map[string]int64, len(p.Outcomes))
		for k, v := range p.Outcomes {
			c.Outcomes[k] = v
		}
		stats = append(stats, c)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Loads != stats[j].Loads {
			return stats[i].Loads > stats[j].Loads
		}
		return stats[i].Path < stats[j].Path
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes paths where time.Since(LastSeen) > window.
// Global counters are kept.
func (s *LoadStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.window)
	for path, ps := range s.paths {
		if ps.LastSeen.Before(threshold) {
			delete(s.paths, path)
		}
	}
}
