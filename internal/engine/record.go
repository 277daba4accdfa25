package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	opAdd byte = 1

	recordHeaderSize = 1 + 8 + 4
)

// ErrCorruptRecord is returned when a replayed log record cannot be decoded.
var ErrCorruptRecord = errors.New("engine: corrupt log record")

type record struct {
	op      byte
	id      uint64
	vector  []float32
	payload []byte
}

func encodeRecord(dst []byte, id uint64, vec []float32, payload []byte) []byte {
	le := binary.LittleEndian
	dst = append(dst, opAdd)
	dst = le.AppendUint64(dst, id)
	dst = le.AppendUint32(dst, uint32(len(vec)))
	for _, f := range vec {
		dst = le.AppendUint32(dst, math.Float32bits(f))
	}
	return append(dst, payload...)
}

// decodeRecord parses rec. The returned vector and payload are copies.
func decodeRecord(rec []byte) (record, error) {
	if len(rec) < recordHeaderSize {
		return record{}, fmt.Errorf("%w: %d bytes", ErrCorruptRecord, len(rec))
	}

	le := binary.LittleEndian
	r := record{
		op: rec[0],
		id: le.Uint64(rec[1:]),
	}
	if r.op != opAdd {
		return record{}, fmt.Errorf("%w: unknown op %d", ErrCorruptRecord, r.op)
	}

	dims := int(le.Uint32(rec[9:]))
	body := rec[recordHeaderSize:]
	if dims == 0 || dims > len(body)/4 {
		return record{}, fmt.Errorf("%w: %d dims in %d bytes", ErrCorruptRecord, dims, len(body))
	}

	r.vector = make([]float32, dims)
	for i := range r.vector {
		r.vector[i] = math.Float32frombits(le.Uint32(body[i*4:]))
	}
	r.payload = cloneBytes(body[dims*4:])
	return r, nil
}

// RecordSize returns the number of bytes an add of a dims-wide vector with a
// payloadLen-byte payload contributes to an Engine's size.
func RecordSize(dims, payloadLen int) int64 {
	return int64(recordHeaderSize + dims*4 + payloadLen)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
