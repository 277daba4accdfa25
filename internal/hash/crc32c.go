package hash

import (
	"hash"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Extend folds data into a checksum returned by CRC32C or Extend.
func Extend(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// NewCRC32C returns a streaming Castagnoli hash, used where the checksummed
// bytes are written out incrementally.
func NewCRC32C() hash.Hash32 {
	return crc32.New(castagnoli)
}
