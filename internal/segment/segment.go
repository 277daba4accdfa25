package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/blevesearch/vellum"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/szuwgh/vectorbase/index"
	ihash "github.com/szuwgh/vectorbase/internal/hash"
	"github.com/szuwgh/vectorbase/internal/mmap"
)

// DefaultPostingCacheSize is the number of decoded posting lists cached per
// segment.
const DefaultPostingCacheSize = 256

// OpenOptions configures Open.
type OpenOptions struct {
	// PostingCacheSize bounds the decoded posting list cache. Zero uses
	// DefaultPostingCacheSize.
	PostingCacheSize int
}

// Segment is an open, immutable segment file.
//
// A Segment starts with one reference, owned by whoever opened it. Readers
// that may outlive that owner take their own reference with IncRef. When the
// last reference is dropped the mapping is closed and the release hook runs.
type Segment struct {
	path   string
	m      *mmap.Mapping
	footer footer
	fields map[string]*vellum.FST
	idx    index.Index
	cache  *lru.Cache[string, *roaring64.Bitmap]

	refs      atomic.Int64
	mu        sync.Mutex
	onRelease func()
}

// Open maps the segment file at path and verifies it. A damaged file is an
// error; nothing is repaired.
func Open(path string, opts OpenOptions) (_ *Segment, err error) {
	if opts.PostingCacheSize <= 0 {
		opts.PostingCacheSize = DefaultPostingCacheSize
	}

	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Segment{path: path, m: m, fields: make(map[string]*vellum.FST)}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	// Lookups jump through postings and payloads.
	_ = m.Advise(mmap.AccessRandom)

	s.cache, err = lru.New[string, *roaring64.Bitmap](opts.PostingCacheSize)
	if err != nil {
		return nil, err
	}
	s.refs.Store(1)
	return s, nil
}

func (s *Segment) load() error {
	data := s.m.Bytes()
	if len(data) < footerSize {
		return ErrTruncated
	}

	body := data[:len(data)-footerSize]
	ft, err := decodeFooter(data[len(body):])
	if err != nil {
		return err
	}

	crc := ihash.CRC32C(body)
	crc = ihash.Extend(crc, data[len(body):len(body)+checksumOffset])
	if crc != ft.Checksum {
		return fmt.Errorf("%w: have %08x, want %08x", ErrChecksumMismatch, crc, ft.Checksum)
	}
	if err := ft.validate(uint64(len(body))); err != nil {
		return err
	}
	s.footer = ft

	if err := s.loadFields(body[ft.FieldsOff:ft.DocsOff]); err != nil {
		return err
	}

	raw, err := decompressSection(body[ft.IndexOff:])
	if err != nil {
		return err
	}
	idx, err := index.Decode(raw)
	if err != nil {
		return err
	}
	if uint64(idx.Len()) != ft.DocCount {
		return fmt.Errorf("%w: index holds %d vectors for %d documents", ErrCorrupt, idx.Len(), ft.DocCount)
	}
	s.idx = idx
	return nil
}

func (s *Segment) loadFields(table []byte) error {
	count, n := binary.Uvarint(table)
	if n <= 0 {
		return fmt.Errorf("%w: field table", ErrCorrupt)
	}
	table = table[n:]

	for range count {
		nameLen, n := binary.Uvarint(table)
		if n <= 0 || uint64(len(table)-n) < nameLen+16 {
			return fmt.Errorf("%w: field table entry", ErrCorrupt)
		}
		name := string(table[n : n+int(nameLen)])
		table = table[n+int(nameLen):]

		off := binary.LittleEndian.Uint64(table)
		length := binary.LittleEndian.Uint64(table[8:])
		table = table[16:]

		if off < s.footer.FSTOff || off+length > s.footer.FieldsOff {
			return fmt.Errorf("%w: fst of field %q out of bounds", ErrCorrupt, name)
		}
		data, err := s.m.Slice(int64(off), int64(length))
		if err != nil {
			return err
		}
		fst, err := vellum.Load(data)
		if err != nil {
			return fmt.Errorf("%w: fst of field %q: %v", ErrCorrupt, name, err)
		}
		s.fields[name] = fst
	}
	return nil
}

// Path returns the segment file path.
func (s *Segment) Path() string { return s.path }

// ID returns the segment id.
func (s *Segment) ID() uint64 { return s.footer.ID }

// Level returns the compaction level.
func (s *Segment) Level() int { return int(s.footer.Level) }

// Size returns the file size in bytes.
func (s *Segment) Size() int64 { return int64(s.m.Size()) }

// Len returns the number of documents.
func (s *Segment) Len() int { return int(s.footer.DocCount) }

// MinID returns the smallest document id, or 0 for an empty segment.
func (s *Segment) MinID() uint64 { return s.footer.MinID }

// MaxID returns the largest document id, or 0 for an empty segment.
func (s *Segment) MaxID() uint64 { return s.footer.MaxID }

// Index returns the decoded vector index. It must not be mutated.
func (s *Segment) Index() index.Index { return s.idx }

// Search returns the k nearest documents in this segment.
func (s *Segment) Search(q []float32, k int) ([]index.Neighbor, error) {
	return s.idx.Search(q, k)
}

// Get returns the payload of document id. The slice aliases the mapping and
// is valid while the caller holds a reference.
func (s *Segment) Get(id uint64) ([]byte, bool) {
	if s.footer.DocCount == 0 || id < s.footer.MinID || id > s.footer.MaxID {
		return nil, false
	}

	docs := s.docTable()
	n := int(s.footer.DocCount)
	i := sort.Search(n, func(i int) bool {
		return binary.LittleEndian.Uint64(docs[i*docEntrySize:]) >= id
	})
	if i == n || binary.LittleEndian.Uint64(docs[i*docEntrySize:]) != id {
		return nil, false
	}

	payload, err := s.block(binary.LittleEndian.Uint64(docs[i*docEntrySize+8:]), s.footer.PostingsOff)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Documents calls fn for every document in ascending id order.
func (s *Segment) Documents(fn func(id uint64, payload []byte) error) error {
	docs := s.docTable()
	for i := range int(s.footer.DocCount) {
		e := docs[i*docEntrySize:]
		payload, err := s.block(binary.LittleEndian.Uint64(e[8:]), s.footer.PostingsOff)
		if err != nil {
			return err
		}
		if err := fn(binary.LittleEndian.Uint64(e), payload); err != nil {
			return err
		}
	}
	return nil
}

// Fields returns the indexed field names in sorted order.
func (s *Segment) Fields() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Postings returns the ids indexed under (field, term). The bitmap is
// shared and must not be modified. A missing term yields an empty bitmap.
func (s *Segment) Postings(field string, term []byte) (*roaring64.Bitmap, error) {
	key := field + "\x00" + string(term)
	if bm, ok := s.cache.Get(key); ok {
		return bm, nil
	}

	fst, ok := s.fields[field]
	if !ok {
		return roaring64.New(), nil
	}
	off, ok, err := fst.Get(term)
	if err != nil {
		return nil, err
	}
	if !ok {
		return roaring64.New(), nil
	}

	bm, err := s.decodePostings(off)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, bm)
	return bm, nil
}

// Terms calls fn for every term of field in sorted order.
func (s *Segment) Terms(field string, fn func(term []byte, ids *roaring64.Bitmap) error) error {
	fst, ok := s.fields[field]
	if !ok {
		return nil
	}

	it, err := fst.Iterator(nil, nil)
	for err == nil {
		term, off := it.Current()
		bm, derr := s.decodePostings(off)
		if derr != nil {
			return derr
		}
		if ferr := fn(term, bm); ferr != nil {
			return ferr
		}
		err = it.Next()
	}
	if errors.Is(err, vellum.ErrIteratorDone) {
		return nil
	}
	return err
}

func (s *Segment) decodePostings(off uint64) (*roaring64.Bitmap, error) {
	if off < s.footer.PostingsOff || off >= s.footer.FSTOff {
		return nil, fmt.Errorf("%w: posting offset %d out of bounds", ErrCorrupt, off)
	}
	data, err := s.block(off, s.footer.FSTOff)
	if err != nil {
		return nil, err
	}
	bm := roaring64.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: posting list: %v", ErrCorrupt, err)
	}
	return bm, nil
}

func (s *Segment) docTable() []byte {
	return s.m.Bytes()[s.footer.DocsOff:s.footer.IndexOff]
}

// block reads a uvarint-prefixed block starting at off that must end before
// limit.
func (s *Segment) block(off, limit uint64) ([]byte, error) {
	data := s.m.Bytes()
	if off >= limit || limit > uint64(len(data)) {
		return nil, fmt.Errorf("%w: block offset %d", ErrCorrupt, off)
	}
	n, w := binary.Uvarint(data[off:limit])
	if w <= 0 || n > limit-off-uint64(w) {
		return nil, fmt.Errorf("%w: block at %d", ErrCorrupt, off)
	}
	start := off + uint64(w)
	if n == 0 {
		return nil, nil
	}
	return data[start : start+n : start+n], nil
}

// SetOnRelease registers fn to run after the last reference is dropped.
func (s *Segment) SetOnRelease(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRelease = fn
}

// IncRef takes a reference.
func (s *Segment) IncRef() {
	s.refs.Add(1)
}

// DecRef drops a reference. The last one closes the segment.
func (s *Segment) DecRef() {
	if s.refs.Add(-1) != 0 {
		return
	}
	_ = s.close()

	s.mu.Lock()
	fn := s.onRelease
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Refs returns the current reference count.
func (s *Segment) Refs() int64 {
	return s.refs.Load()
}

func (s *Segment) close() error {
	for _, fst := range s.fields {
		_ = fst.Close()
	}
	return s.m.Close()
}
