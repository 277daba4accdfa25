// Package wal implements the write-ahead log of a memtable generation.
//
// # Format
//
// The log is a sequence of 32 KiB blocks. A logical record is written as one
// or more chunks, each with a 7-byte header:
//
//	+---------+-----------+--------+----------------+
//	| CRC32C  | Length    | Type   | Data           |
//	| 4 bytes | 2 bytes   | 1 byte | Length bytes   |
//	+---------+-----------+--------+----------------+
//
// A record that fits the rest of the block is a single Full chunk; larger
// records are split into First, Middle... and Last chunks. Block tails too
// short for a header are zero-filled.
//
// # Recovery
//
// Replay scans block by block. A trailing First/Middle run without its Last
// chunk, a short header, or a damaged final chunk is a torn write from a
// crash and is dropped; Open truncates it away before appending. Damage
// followed by further records is corruption and fails the open.
//
// # Durability
//
//   - SyncAlways: fsync after every Append (default)
//   - SyncBuffered: data reaches disk on Sync, Close, or when buffers fill
//
// Two IO backends exist: buffered file writes, and a memory-mapped file
// that grows in fixed steps and is truncated to its logical size on Close.
package wal
