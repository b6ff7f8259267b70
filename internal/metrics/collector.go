// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"runtime"
	"sync"
	"time"
)

// Operation names for the collector.
const (
	OpChunking    = "chunking"
	OpEmbedding   = "embedding"
	OpSourceFetch = "source_fetch"
	OpSinkWrite   = "sink_write"
	OpJob         = "job"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for embedding operations)
	TotalTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	Errors      int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
	TotalTokens int64
}

// Snapshot represents the full processor statistics at a point in time.
// These values are monitoring aids only; no correctness decision reads them.
type Snapshot struct {
	UptimeSeconds      float64
	DocumentsProcessed int64
	ChunksCreated      int64
	ErrorCount         int64
	HeapBytes          uint64
	PeakHeapBytes      uint64
	Chunking           *OperationSnapshot
	Embedding          *OperationSnapshot
	SourceFetch        *OperationSnapshot
	SinkWrite          *OperationSnapshot
	Job                *OperationSnapshot
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe. Construct one per pipeline instance and
// inject it, so tests get isolated counters.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics

	documentsProcessed int64
	chunksCreated      int64
	peakHeap           uint64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordError counts a failed operation.
func (c *Collector) RecordError(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(op).Errors++
}

// RecordTokens adds token usage to an operation's totals.
func (c *Collector) RecordTokens(op string, tokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(op).TotalTokens += tokens
}

// RecordDocument counts a processed source document and its chunks.
func (c *Collector) RecordDocument(chunks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documentsProcessed++
	c.chunksCreated += int64(chunks)
}

// SampleMemory records the current heap size, tracking the peak.
func (c *Collector) SampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ms.HeapAlloc > c.peakHeap {
		c.peakHeap = ms.HeapAlloc
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || (m.Count == 0 && m.Errors == 0) {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
		TotalTokens: m.TotalTokens,
	}
	if m.Count > 0 {
		snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		if m.MinTime != time.Duration(math.MaxInt64) {
			snap.MinTimeMs = m.MinTime.Milliseconds()
		}
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs int64
	for _, m := range c.ops {
		errs += m.Errors
	}

	peak := c.peakHeap
	if ms.HeapAlloc > peak {
		peak = ms.HeapAlloc
	}

	return Snapshot{
		UptimeSeconds:      time.Since(c.startTime).Seconds(),
		DocumentsProcessed: c.documentsProcessed,
		ChunksCreated:      c.chunksCreated,
		ErrorCount:         errs,
		HeapBytes:          ms.HeapAlloc,
		PeakHeapBytes:      peak,
		Chunking:           snapshotOp(c.ops[OpChunking]),
		Embedding:          snapshotOp(c.ops[OpEmbedding]),
		SourceFetch:        snapshotOp(c.ops[OpSourceFetch]),
		SinkWrite:          snapshotOp(c.ops[OpSinkWrite]),
		Job:                snapshotOp(c.ops[OpJob]),
	}
}
