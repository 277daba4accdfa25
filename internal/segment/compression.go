package segment

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec of the vector index section.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses the names returned by String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("segment: unknown compression %q", name)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressSection returns the index section header and body for raw. Data
// that does not shrink below 90% is stored uncompressed.
func compressSection(raw []byte, c Compression) ([]byte, error) {
	var stored []byte
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("segment: lz4: %w", err)
		}
		stored = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		stored = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("segment: unknown compression %d", c)
	}

	if len(stored) == 0 || float64(len(stored)) > float64(len(raw))*0.9 {
		c, stored = CompressionNone, raw
	}

	out := make([]byte, 0, indexHeaderLen+len(stored))
	out = append(out, byte(c))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(raw)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(stored)))
	return append(out, stored...), nil
}

// decompressSection reverses compressSection. The result may alias data
// when the section is stored uncompressed.
func decompressSection(data []byte) ([]byte, error) {
	if len(data) < indexHeaderLen {
		return nil, fmt.Errorf("%w: index section header", ErrTruncated)
	}

	c := Compression(data[0])
	rawLen := binary.LittleEndian.Uint32(data[1:])
	storedLen := binary.LittleEndian.Uint32(data[5:])
	body := data[indexHeaderLen:]
	if uint64(len(body)) != uint64(storedLen) {
		return nil, fmt.Errorf("%w: index section holds %d bytes, header says %d", ErrCorrupt, len(body), storedLen)
	}

	switch c {
	case CompressionNone:
		if rawLen != storedLen {
			return nil, fmt.Errorf("%w: uncompressed index length mismatch", ErrCorrupt)
		}
		return body, nil
	case CompressionLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil || uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: lz4 index section: %v", ErrCorrupt, err)
		}
		return raw, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		raw, err := dec.DecodeAll(body, make([]byte, 0, rawLen))
		if err != nil || uint32(len(raw)) != rawLen {
			return nil, fmt.Errorf("%w: zstd index section: %v", ErrCorrupt, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown index codec %d", ErrCorrupt, c)
	}
}
