// Package cache keeps downloaded remote traces on local disk so that loading
// the same trace again skips the download.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

// TraceCache is a size-bounded directory of trace files keyed by their
// remote location. Entries in use are pinned and never evicted.
type TraceCache struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
	metrics  Metrics

	mu    sync.Mutex
	index map[string]*entry // location → entry
}

type entry struct {
	localPath  string
	sizeBytes  int64
	lastAccess time.Time
	pins       int
}

// New creates a cache in dir holding at most maxBytes of traces. Files left
// in dir by an earlier process are removed, since their keys are unknown.
func New(dir string, maxBytes int64, logger *zap.Logger) (*TraceCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive, got %d", maxBytes)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear cache dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &TraceCache{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		index:    make(map[string]*entry),
	}, nil
}

// Acquire returns the cached file for location and pins it until Release.
func (c *TraceCache) Acquire(location string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[location]
	if !ok {
		c.metrics.Misses.Add(1)
		return "", false
	}
	c.metrics.Hits.Add(1)
	e.lastAccess = time.Now()
	e.pins++
	return e.localPath, true
}

// Release unpins location.
func (c *TraceCache) Release(location string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.index[location]; ok && e.pins > 0 {
		e.pins--
	}
	c.evictLocked()
}

// Put moves the file at sourcePath into the cache under location, returns
// its cached path and pins it. sourcePath must be on the same filesystem as
// the cache directory.
func (c *TraceCache) Put(location, sourcePath string) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat source file: %w", err)
	}
	destPath := filepath.Join(c.dir, fileName(location))

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.index[location]; ok {
		if old.pins > 0 {
			return "", fmt.Errorf("cache entry %s is in use", location)
		}
		c.dropLocked(location, old)
	}
	if err := os.Rename(sourcePath, destPath); err != nil {
		return "", fmt.Errorf("failed to move file into cache: %w", err)
	}

	c.index[location] = &entry{
		localPath:  destPath,
		sizeBytes:  info.Size(),
		lastAccess: time.Now(),
		pins:       1,
	}
	c.metrics.SizeBytes.Add(info.Size())
	c.metrics.Entries.Add(1)
	c.evictLocked()
	return destPath, nil
}

// Invalidate drops location unless it is in use. It reports whether the
// location is no longer cached.
func (c *TraceCache) Invalidate(location string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[location]
	if !ok {
		return true
	}
	if e.pins > 0 {
		return false
	}
	c.dropLocked(location, e)
	return true
}

// evictLocked removes unpinned entries, least recently used first, until
// the cache fits.
func (c *TraceCache) evictLocked() {
	if c.metrics.SizeBytes.Load() <= c.maxBytes {
		return
	}

	type candidate struct {
		location string
		e        *entry
	}
	var candidates []candidate
	for loc, e := range c.index {
		if e.pins == 0 {
			candidates = append(candidates, candidate{loc, e})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].e.lastAccess.Before(candidates[j].e.lastAccess)
	})

	for _, cand := range candidates {
		if c.metrics.SizeBytes.Load() <= c.maxBytes {
			break
		}
		c.dropLocked(cand.location, cand.e)
		c.metrics.Evictions.Add(1)
		c.logger.Debug("evicted cached trace",
			zap.String("location", cand.location),
			zap.Int64("freed_bytes", cand.e.sizeBytes))
	}
}

func (c *TraceCache) dropLocked(location string, e *entry) {
	if err := os.Remove(e.localPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove cached trace", zap.String("path", e.localPath), zap.Error(err))
	}
	delete(c.index, location)
	c.metrics.SizeBytes.Add(-e.sizeBytes)
	c.metrics.Entries.Add(-1)
}

// Stats returns current cache metrics.
func (c *TraceCache) Stats() (hits, misses, evictions, entries, size int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load(),
		c.metrics.Entries.Load(), c.metrics.SizeBytes.Load()
}

// HitRate returns the cache hit rate as a percentage.
func (c *TraceCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	total := hits + c.metrics.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Dir returns the cache directory.
func (c *TraceCache) Dir() string { return c.dir }

// fileName derives a flat file name from a location.
func fileName(location string) string {
	hi, lo := murmur3.Sum128([]byte(location))
	return fmt.Sprintf("%016x%016x.evt", hi, lo)
}
