// Package segment implements the immutable on-disk store of a collection.
//
// A segment is written once, by a flush of an immutable memtable or by a
// compaction merge, and never modified afterwards. It lives in its own
// directory under <root>/segments and is accessed through a read-only memory
// mapping.
//
// # File layout
//
// All integers are little-endian. Sections appear in this order:
//
//	payloads    per document: uvarint length, bytes
//	postings    per (field, term): uvarint length, roaring64 bitmap
//	FSTs        per field: uvarint length, vellum FST (term -> posting offset)
//	fields      uvarint count; per field: uvarint name length, name,
//	            u64 FST offset, u64 FST length
//	documents   per document, sorted by id: u64 id, u64 payload offset
//	index       u8 codec, u32 raw length, u32 stored length, stored bytes
//	footer      fixed size, see footer
//
// The built-in field "_id" maps the big-endian id of every document to a
// single-element posting list. The footer checksum is CRC32C over everything
// before it plus the footer fields that precede the checksum.
package segment
