// Package hash provides the checksum used for on-disk integrity.
//
// Both WAL chunks and segment footers are protected by CRC32-Castagnoli,
// which Go's hash/crc32 computes with SSE4.2 or ARM CRC instructions when
// available.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For checksums over several buffers:
//
//	crc := hash.CRC32C(header)
//	crc = hash.Extend(crc, body)
package hash
