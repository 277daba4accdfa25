// Package mmap maps immutable files read-only into memory.
//
// Disk segments are opened through a Mapping and decoded in place. A Region
// is a bounds-checked view of one section of a Mapping; neither owns memory
// beyond the Mapping's lifetime, so callers must stop using Bytes once Close
// returns.
//
// On Unix the mapping uses mmap(2) and madvise(2). On Windows it uses
// CreateFileMapping/MapViewOfFile and Advise is a no-op.
package mmap
