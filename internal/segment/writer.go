package segment

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/blevesearch/vellum"

	"github.com/szuwgh/vectorbase/index"
	"github.com/szuwgh/vectorbase/internal/fs"
	ihash "github.com/szuwgh/vectorbase/internal/hash"
	"github.com/szuwgh/vectorbase/internal/resource"
)

// Term is a (field, term) pair indexed for a document.
type Term struct {
	Field string
	Value []byte
}

// Meta identifies the segment being written.
type Meta struct {
	ID    uint64
	Level int
}

// WriteOptions configures Write.
type WriteOptions struct {
	Compression Compression
	// IO throttles the bytes written. Nil writes unthrottled.
	IO *resource.Controller
	FS fs.FileSystem
}

type builderDoc struct {
	id      uint64
	payload []byte
}

// Builder accumulates the documents and postings of a new segment.
type Builder struct {
	docs     []builderDoc
	seen     map[uint64]struct{}
	postings map[string]map[string]*roaring64.Bitmap
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		seen:     make(map[uint64]struct{}),
		postings: make(map[string]map[string]*roaring64.Bitmap),
	}
}

// Add records a document. Its id is indexed under IDField along with any
// extra terms.
func (b *Builder) Add(id uint64, payload []byte, terms ...Term) error {
	if _, dup := b.seen[id]; dup {
		return fmt.Errorf("segment: duplicate document %d", id)
	}
	for _, t := range terms {
		if t.Field == IDField {
			return fmt.Errorf("segment: field %q is reserved", IDField)
		}
	}
	if len(payload) == 0 {
		payload = nil
	}
	b.seen[id] = struct{}{}
	b.docs = append(b.docs, builderDoc{id: id, payload: payload})

	b.posting(IDField, IDTerm(id)).Add(id)
	for _, t := range terms {
		b.posting(t.Field, t.Value).Add(id)
	}
	return nil
}

// AddPostings unions ids into the posting list of (field, term).
func (b *Builder) AddPostings(field string, term []byte, ids *roaring64.Bitmap) {
	b.posting(field, term).Or(ids)
}

// Len returns the number of documents added.
func (b *Builder) Len() int {
	return len(b.docs)
}

func (b *Builder) posting(field string, term []byte) *roaring64.Bitmap {
	terms, ok := b.postings[field]
	if !ok {
		terms = make(map[string]*roaring64.Bitmap)
		b.postings[field] = terms
	}
	bm, ok := terms[string(term)]
	if !ok {
		bm = roaring64.New()
		terms[string(term)] = bm
	}
	return bm
}

// countingWriter tracks the offset and running checksum of the file.
type countingWriter struct {
	w   io.Writer
	crc hash.Hash32
	n   int64
	buf [binary.MaxVarintLen64]byte
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.crc.Write(p[:n])
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) writeBlock(p []byte) error {
	n := binary.PutUvarint(c.buf[:], uint64(len(p)))
	if _, err := c.Write(c.buf[:n]); err != nil {
		return err
	}
	_, err := c.Write(p)
	return err
}

// Write persists the builder's documents and idx as a segment file at path.
// The file appears atomically: it is written to path+".tmp", synced and
// renamed. It returns the size of the file.
func (b *Builder) Write(ctx context.Context, path string, meta Meta, idx index.Index, opts WriteOptions) (int64, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if idx.Len() != len(b.docs) {
		return 0, fmt.Errorf("segment: index holds %d vectors for %d documents", idx.Len(), len(b.docs))
	}

	dir := filepath.Dir(path)
	if err := opts.FS.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}

	tmp := path + ".tmp"
	f, err := opts.FS.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}

	size, err := b.writeTo(ctx, f, meta, idx, opts)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = opts.FS.Rename(tmp, path)
	}
	if err != nil {
		_ = opts.FS.Remove(tmp)
		return 0, fmt.Errorf("segment: write %s: %w", path, err)
	}

	if err := fs.SyncDir(opts.FS, dir); err != nil {
		return 0, err
	}
	return size, nil
}

func (b *Builder) writeTo(ctx context.Context, f io.Writer, meta Meta, idx index.Index, opts WriteOptions) (int64, error) {
	slices.SortFunc(b.docs, func(x, y builderDoc) int { return cmp.Compare(x.id, y.id) })

	bw := bufio.NewWriterSize(resource.NewWriter(ctx, f, opts.IO), 64*1024)
	w := &countingWriter{w: bw, crc: ihash.NewCRC32C()}
	ft := footer{
		Version:  Version,
		Level:    uint32(meta.Level),
		ID:       meta.ID,
		DocCount: uint64(len(b.docs)),
	}
	if len(b.docs) > 0 {
		ft.MinID = b.docs[0].id
		ft.MaxID = b.docs[len(b.docs)-1].id
	}

	// Payloads.
	offsets := make([]uint64, len(b.docs))
	for i, d := range b.docs {
		offsets[i] = uint64(w.n)
		if err := w.writeBlock(d.payload); err != nil {
			return 0, err
		}
	}

	// Postings, remembering each block's offset for the FSTs.
	ft.PostingsOff = uint64(w.n)
	fields := make([]string, 0, len(b.postings))
	for field := range b.postings {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	fieldTerms := make(map[string][]string, len(fields))
	termOffsets := make(map[string][]uint64, len(fields))
	for _, field := range fields {
		terms := make([]string, 0, len(b.postings[field]))
		for term := range b.postings[field] {
			terms = append(terms, term)
		}
		slices.Sort(terms)

		offs := make([]uint64, len(terms))
		for i, term := range terms {
			bm := b.postings[field][term]
			bm.RunOptimize()
			data, err := bm.MarshalBinary()
			if err != nil {
				return 0, err
			}
			offs[i] = uint64(w.n)
			if err := w.writeBlock(data); err != nil {
				return 0, err
			}
		}
		fieldTerms[field] = terms
		termOffsets[field] = offs
	}

	// One FST per field.
	ft.FSTOff = uint64(w.n)
	type fstRef struct{ off, len uint64 }
	refs := make([]fstRef, len(fields))
	var fstBuf bytes.Buffer
	for i, field := range fields {
		fstBuf.Reset()
		builder, err := vellum.New(&fstBuf, nil)
		if err != nil {
			return 0, err
		}
		for j, term := range fieldTerms[field] {
			if err := builder.Insert([]byte(term), termOffsets[field][j]); err != nil {
				return 0, fmt.Errorf("segment: fst %s: %w", field, err)
			}
		}
		if err := builder.Close(); err != nil {
			return 0, err
		}

		n := binary.PutUvarint(w.buf[:], uint64(fstBuf.Len()))
		refs[i] = fstRef{off: uint64(w.n) + uint64(n), len: uint64(fstBuf.Len())}
		if err := w.writeBlock(fstBuf.Bytes()); err != nil {
			return 0, err
		}
	}

	// Field table.
	ft.FieldsOff = uint64(w.n)
	table := binary.AppendUvarint(nil, uint64(len(fields)))
	for i, field := range fields {
		table = binary.AppendUvarint(table, uint64(len(field)))
		table = append(table, field...)
		table = binary.LittleEndian.AppendUint64(table, refs[i].off)
		table = binary.LittleEndian.AppendUint64(table, refs[i].len)
	}
	if _, err := w.Write(table); err != nil {
		return 0, err
	}

	// Document offsets.
	ft.DocsOff = uint64(w.n)
	entry := make([]byte, docEntrySize)
	for i, d := range b.docs {
		binary.LittleEndian.PutUint64(entry, d.id)
		binary.LittleEndian.PutUint64(entry[8:], offsets[i])
		if _, err := w.Write(entry); err != nil {
			return 0, err
		}
	}

	// Vector index.
	ft.IndexOff = uint64(w.n)
	raw, err := index.Encode(idx)
	if err != nil {
		return 0, err
	}
	section, err := compressSection(raw, opts.Compression)
	if err != nil {
		return 0, err
	}
	ft.IndexLen = uint64(len(section))
	if _, err := w.Write(section); err != nil {
		return 0, err
	}

	// Footer: the checksum covers the footer fields before it.
	tail := ft.encode()
	if _, err := w.Write(tail[:checksumOffset]); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(tail[checksumOffset:], w.crc.Sum32())
	if _, err := bw.Write(tail[checksumOffset:]); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return w.n + int64(footerSize-checksumOffset), nil
}
