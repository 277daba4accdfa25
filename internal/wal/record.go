package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/szuwgh/vectorbase/internal/hash"
)

// ChunkType tags a physical chunk inside a block.
type ChunkType uint8

const (
	// ChunkZero marks block padding and preallocated space.
	ChunkZero ChunkType = iota
	// ChunkFull holds a whole record.
	ChunkFull
	// ChunkFirst holds the first fragment of a record spanning blocks.
	ChunkFirst
	// ChunkMiddle holds an inner fragment.
	ChunkMiddle
	// ChunkLast holds the final fragment.
	ChunkLast
)

const (
	// BlockSize is the fixed size of a WAL block.
	BlockSize = 32 * 1024

	// HeaderSize is the chunk header: CRC32C (4) + length (2) + type (1).
	HeaderSize = 7

	// MaxRecordSize bounds a single logical record.
	MaxRecordSize = 64 << 20
)

var (
	ErrCorrupt        = errors.New("wal: corrupt log")
	ErrClosed         = errors.New("wal: closed")
	ErrRecordTooLarge = errors.New("wal: record too large")
)

func (t ChunkType) String() string {
	switch t {
	case ChunkZero:
		return "zero"
	case ChunkFull:
		return "full"
	case ChunkFirst:
		return "first"
	case ChunkMiddle:
		return "middle"
	case ChunkLast:
		return "last"
	default:
		return fmt.Sprintf("chunk(%d)", uint8(t))
	}
}

// appendChunk encodes one chunk. The checksum covers the type byte and data.
func appendChunk(dst []byte, t ChunkType, data []byte) []byte {
	var h [HeaderSize]byte
	crc := hash.Extend(hash.CRC32C([]byte{byte(t)}), data)
	binary.LittleEndian.PutUint32(h[0:4], crc)
	binary.LittleEndian.PutUint16(h[4:6], uint16(len(data)))
	h[6] = byte(t)
	dst = append(dst, h[:]...)
	return append(dst, data...)
}

// frame splits rec into chunks given the current offset inside the block,
// padding block tails too short for a header. It returns the encoded bytes
// and the block offset after them.
func frame(dst []byte, rec []byte, blockOff int) ([]byte, int) {
	first := true
	for {
		left := BlockSize - blockOff
		if left < HeaderSize {
			dst = append(dst, make([]byte, left)...)
			blockOff = 0
			left = BlockSize
		}

		n := min(left-HeaderSize, len(rec))
		last := n == len(rec)

		var t ChunkType
		switch {
		case first && last:
			t = ChunkFull
		case first:
			t = ChunkFirst
		case last:
			t = ChunkLast
		default:
			t = ChunkMiddle
		}

		dst = appendChunk(dst, t, rec[:n])
		blockOff += HeaderSize + n
		rec = rec[n:]
		first = false

		if last {
			return dst, blockOff
		}
	}
}

// scan walks data block by block, calling fn for every complete record.
// It returns the offset just past the last complete record. A trailing
// incomplete record or damaged final chunk is a torn write and is ignored;
// damage followed by further records is reported as ErrCorrupt.
func scan(data []byte, fn func(rec []byte) error) (int64, error) {
	var (
		off      int
		end      int
		pending  []byte
		inRecord bool
	)

	for off < len(data) {
		blockLeft := BlockSize - off%BlockSize
		if blockLeft < HeaderSize || len(data)-off < HeaderSize {
			if len(data)-off < HeaderSize && blockLeft >= HeaderSize {
				// Short header at end of file: torn.
				break
			}
			off += blockLeft
			continue
		}

		h := data[off : off+HeaderSize]
		length := int(binary.LittleEndian.Uint16(h[4:6]))
		t := ChunkType(h[6])

		if t == ChunkZero && length == 0 {
			off += blockLeft
			continue
		}

		bodyEnd := off + HeaderSize + length
		valid := t <= ChunkLast && t != ChunkZero &&
			HeaderSize+length <= blockLeft && bodyEnd <= len(data)
		if valid {
			crc := hash.Extend(hash.CRC32C([]byte{byte(t)}), data[off+HeaderSize:bodyEnd])
			valid = crc == binary.LittleEndian.Uint32(h[0:4])
		}
		if !valid {
			if dataAfter(data, off-off%BlockSize+BlockSize) {
				return int64(end), fmt.Errorf("%w: bad chunk at offset %d", ErrCorrupt, off)
			}
			break
		}

		body := data[off+HeaderSize : bodyEnd]
		off = bodyEnd

		switch t {
		case ChunkFull:
			if inRecord {
				return int64(end), fmt.Errorf("%w: unterminated record before offset %d", ErrCorrupt, off)
			}
			if fn != nil {
				if err := fn(body); err != nil {
					return int64(end), err
				}
			}
			end = off
		case ChunkFirst:
			if inRecord {
				return int64(end), fmt.Errorf("%w: unterminated record before offset %d", ErrCorrupt, off)
			}
			pending = append(pending[:0], body...)
			inRecord = true
		case ChunkMiddle, ChunkLast:
			if !inRecord {
				return int64(end), fmt.Errorf("%w: orphan %s chunk at offset %d", ErrCorrupt, t, off)
			}
			pending = append(pending, body...)
			if len(pending) > MaxRecordSize {
				return int64(end), fmt.Errorf("%w: record exceeds %d bytes", ErrCorrupt, MaxRecordSize)
			}
			if t == ChunkLast {
				if fn != nil {
					if err := fn(pending); err != nil {
						return int64(end), err
					}
				}
				inRecord = false
				end = off
			}
		}
	}

	return int64(end), nil
}

// dataAfter reports whether any non-zero byte exists at or after off.
func dataAfter(data []byte, off int) bool {
	for i := off; i < len(data); i++ {
		if data[i] != 0 {
			return true
		}
	}
	return false
}
