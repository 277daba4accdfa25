// Package vectorbase provides an embedded, durable vector collection with
// approximate nearest-neighbor search.
//
// A collection combines an HNSW graph index with a log-structured storage
// engine: writes are appended to a write-ahead log and inserted into an
// in-memory graph, full memtables are flushed to immutable, memory-mapped
// segment files, and segments are merged level by level in the background.
//
// # Quick Start
//
//	c, err := vectorbase.Open("./data", vectorbase.Schema{Name: "docs", Dimension: 4})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	id, _ := c.Add(ctx, []float32{0, 0, 0, 1}, []byte(`{"title":"a"}`))
//	results, _ := c.Query(ctx, []float32{0, 0, 0, 1}, 5)
//	for _, r := range results {
//	    fmt.Println(r.ID, r.Distance, string(r.Payload))
//	}
//
// # Durability Model
//
// Every Add is appended to the active memtable's WAL before it is indexed.
// With SyncAlways (the default) the append is fsynced before Add returns;
// SyncBuffered trades that for throughput and syncs on rotation and Close.
// On Open, the active and immutable WALs are replayed and a torn tail left
// by a crash is discarded.
//
// # Storage Layout
//
//	<dir>/LOCK              exclusive lock of the open collection
//	<dir>/mem.wal           active memtable
//	<dir>/imm.wal           immutable memtable awaiting flush
//	<dir>/CURRENT           name of the current manifest
//	<dir>/MANIFEST-*.json   live segments
//	<dir>/tombstones        delete mask
//	<dir>/segments/<id>/segment.vb
//
// # Compaction
//
// Segments carry a level. Whenever more segments than the configured
// threshold sit on the level being scanned, the smallest of them are merged
// into one segment on the next level. Deleted documents are dropped by the
// merge. Thresholds and merge widths are set per level with
// WithCompactionThresholds and WithMergeWidths.
//
// # Errors
//
// Dimension mismatches are reported as *ErrDimensionMismatch. Other failures
// wrap one of the sentinel errors (ErrInvalidArgument, ErrEmptyIndex,
// ErrNotFound, ErrCorrupt, ErrDegraded, ErrClosed, ErrLocked) and can be
// tested with errors.Is.
package vectorbase
