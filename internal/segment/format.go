package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

const (
	// FileName is the name of the segment file inside its directory.
	FileName = "segment.vb"

	// Version is the current file format version.
	Version uint32 = 1

	// IDField is the built-in field indexing every document id.
	IDField = "_id"

	footerSize     = 8 + 4 + 4 + 8*10 + 4 + 4
	checksumOffset = footerSize - 8
	docEntrySize   = 16
	indexHeaderLen = 1 + 4 + 4
)

var magic = [8]byte{'V', 'B', 'S', 'E', 'G', '0', '0', '1'}

var (
	ErrBadMagic           = errors.New("segment: bad magic")
	ErrUnsupportedVersion = errors.New("segment: unsupported version")
	ErrChecksumMismatch   = errors.New("segment: checksum mismatch")
	ErrTruncated          = errors.New("segment: truncated file")
	ErrCorrupt            = errors.New("segment: corrupt file")
)

// footer is the fixed-size trailer of a segment file.
type footer struct {
	Version     uint32
	Level       uint32
	ID          uint64
	DocCount    uint64
	MinID       uint64
	MaxID       uint64
	PostingsOff uint64
	FSTOff      uint64
	FieldsOff   uint64
	DocsOff     uint64
	IndexOff    uint64
	IndexLen    uint64
	Checksum    uint32
}

func (f *footer) encode() []byte {
	buf := make([]byte, 0, footerSize)
	le := binary.LittleEndian
	buf = append(buf, magic[:]...)
	buf = le.AppendUint32(buf, f.Version)
	buf = le.AppendUint32(buf, f.Level)
	for _, v := range []uint64{
		f.ID, f.DocCount, f.MinID, f.MaxID,
		f.PostingsOff, f.FSTOff, f.FieldsOff, f.DocsOff, f.IndexOff, f.IndexLen,
	} {
		buf = le.AppendUint64(buf, v)
	}
	buf = le.AppendUint32(buf, f.Checksum)
	return le.AppendUint32(buf, 0) // reserved
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, ErrTruncated
	}
	if [8]byte(buf[:8]) != magic {
		return footer{}, ErrBadMagic
	}

	le := binary.LittleEndian
	f := footer{
		Version: le.Uint32(buf[8:]),
		Level:   le.Uint32(buf[12:]),
	}
	if f.Version != Version {
		return footer{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}

	fields := []*uint64{
		&f.ID, &f.DocCount, &f.MinID, &f.MaxID,
		&f.PostingsOff, &f.FSTOff, &f.FieldsOff, &f.DocsOff, &f.IndexOff, &f.IndexLen,
	}
	for i, p := range fields {
		*p = le.Uint64(buf[16+8*i:])
	}
	f.Checksum = le.Uint32(buf[checksumOffset:])
	return f, nil
}

// validate checks that the sections tile a body of bodySize bytes.
func (f *footer) validate(bodySize uint64) error {
	if f.PostingsOff > f.FSTOff || f.FSTOff > f.FieldsOff || f.FieldsOff > f.DocsOff || f.DocsOff > f.IndexOff {
		return fmt.Errorf("%w: section offsets out of order", ErrCorrupt)
	}
	if f.IndexOff+f.IndexLen != bodySize {
		return fmt.Errorf("%w: index section ends at %d, body is %d bytes", ErrCorrupt, f.IndexOff+f.IndexLen, bodySize)
	}
	if f.DocCount > (f.IndexOff-f.DocsOff)/docEntrySize || f.DocsOff+f.DocCount*docEntrySize != f.IndexOff {
		return fmt.Errorf("%w: document table holds %d bytes for %d docs", ErrCorrupt, f.IndexOff-f.DocsOff, f.DocCount)
	}
	if f.DocCount > 0 && f.MinID > f.MaxID {
		return fmt.Errorf("%w: id range [%d, %d]", ErrCorrupt, f.MinID, f.MaxID)
	}
	return nil
}

// SegmentsDir is the directory under a collection root holding one
// sub-directory per segment.
const SegmentsDir = "segments"

// Dir returns the directory of segment id under root.
func Dir(root string, id uint64) string {
	return filepath.Join(root, SegmentsDir, fmt.Sprintf("%020d", id))
}

// Path returns the file path of segment id under root.
func Path(root string, id uint64) string {
	return filepath.Join(Dir(root, id), FileName)
}

// ParseDirName returns the id encoded in a segment directory name.
func ParseDirName(name string) (uint64, bool) {
	if len(name) != 20 {
		return 0, false
	}
	id, err := strconv.ParseUint(name, 10, 64)
	return id, err == nil
}

// IDTerm encodes id as an "_id" term.
func IDTerm(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}
