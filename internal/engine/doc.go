// Package engine implements the memtable unit of a collection.
//
// An Engine owns one write-ahead log, one in-memory ANN index and the
// payloads of the documents it holds. Every Add is appended to the log before
// it is applied to the index, so reopening an Engine on the same path replays
// exactly the acknowledged writes.
//
// A collection keeps one active Engine and at most one immutable Engine. The
// active Engine is frozen (its log closed and renamed) on rotation and removed
// once its contents are flushed to a disk segment.
package engine
