package vectorbase

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAdd is called after each add operation.
	RecordAdd(duration time.Duration, err error)

	// RecordQuery is called after each query. k is the number of neighbors
	// requested.
	RecordQuery(k int, duration time.Duration, err error)

	// RecordRotation is called when the active memtable becomes immutable.
	RecordRotation()

	// RecordFlush is called after a memtable flush; bytes is the size of the
	// new segment.
	RecordFlush(bytes int64, duration time.Duration, err error)

	// RecordCompaction is called after a successful table compaction.
	RecordCompaction(level, inputs int, duration time.Duration)

	// RecordCompactionError is called when a table compaction fails. The
	// inputs are kept and the merge is retried.
	RecordCompactionError(level int, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(time.Duration, error)           {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordRotation()                          {}
func (NoopMetricsCollector) RecordFlush(int64, time.Duration, error)  {}
func (NoopMetricsCollector) RecordCompaction(int, int, time.Duration) {}
func (NoopMetricsCollector) RecordCompactionError(int, error)         {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount         atomic.Int64
	AddErrors        atomic.Int64
	AddTotalNanos    atomic.Int64
	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryTotalNanos  atomic.Int64
	Rotations        atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushBytes       atomic.Int64
	CompactionCount  atomic.Int64
	CompactionInputs atomic.Int64
	CompactionErrors atomic.Int64
	CompactionNanos  atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(k int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordRotation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRotation() {
	b.Rotations.Add(1)
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(bytes int64, duration time.Duration, err error) {
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushCount.Add(1)
	b.FlushBytes.Add(bytes)
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(level, inputs int, duration time.Duration) {
	b.CompactionCount.Add(1)
	b.CompactionInputs.Add(int64(inputs))
	b.CompactionNanos.Add(duration.Nanoseconds())
}

// RecordCompactionError implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompactionError(level int, err error) {
	b.CompactionErrors.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AddCount:         b.AddCount.Load(),
		AddErrors:        b.AddErrors.Load(),
		AddAvgNanos:      avg(b.AddTotalNanos.Load(), b.AddCount.Load()),
		QueryCount:       b.QueryCount.Load(),
		QueryErrors:      b.QueryErrors.Load(),
		QueryAvgNanos:    avg(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		Rotations:        b.Rotations.Load(),
		FlushCount:       b.FlushCount.Load(),
		FlushErrors:      b.FlushErrors.Load(),
		FlushBytes:       b.FlushBytes.Load(),
		CompactionCount:  b.CompactionCount.Load(),
		CompactionInputs: b.CompactionInputs.Load(),
		CompactionErrors: b.CompactionErrors.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AddCount         int64
	AddErrors        int64
	AddAvgNanos      int64
	QueryCount       int64
	QueryErrors      int64
	QueryAvgNanos    int64
	Rotations        int64
	FlushCount       int64
	FlushErrors      int64
	FlushBytes       int64
	CompactionCount  int64
	CompactionInputs int64
	CompactionErrors int64
}
