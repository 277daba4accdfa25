package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/szuwgh/vectorbase/index"
	"github.com/szuwgh/vectorbase/internal/fs"
	"github.com/szuwgh/vectorbase/internal/hnsw"
	"github.com/szuwgh/vectorbase/internal/wal"
)

var (
	// ErrFrozen is returned by Add on an Engine that has been frozen.
	ErrFrozen = errors.New("engine: frozen")

	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine: closed")
)

// Options configures an Engine.
type Options struct {
	WAL    wal.Options
	Index  hnsw.Options
	Logger *slog.Logger
}

// Document is one stored vector with its payload.
type Document struct {
	ID      uint64
	Vector  []float32
	Payload []byte
}

// Engine is a write-ahead-logged memtable. It is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	path     string
	opts     Options
	log      *wal.WAL // nil once frozen or closed
	idx      index.Index
	payloads map[uint64][]byte
	size     int64
	maxID    uint64
	frozen   bool
	closed   bool
	buf      []byte
}

// Open opens the Engine whose log lives at path, replaying any records it
// already holds. A log that fails to replay is an error; nothing is skipped.
func Open(path string, opts Options) (*Engine, error) {
	if opts.WAL.FS == nil {
		opts.WAL.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	idx, err := index.NewHNSW(opts.Index)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		path:     path,
		opts:     opts,
		idx:      idx,
		payloads: make(map[uint64][]byte),
	}

	log, err := wal.Open(path, opts.WAL, e.replay)
	if err != nil {
		return nil, fmt.Errorf("engine: open %s: %w", path, err)
	}
	e.log = log

	if len(e.payloads) > 0 {
		opts.Logger.Debug("engine replayed", "path", path, "records", len(e.payloads), "max_id", e.maxID)
	}
	return e, nil
}

func (e *Engine) replay(rec []byte) error {
	r, err := decodeRecord(rec)
	if err != nil {
		return err
	}
	return e.apply(r.id, r.vector, r.payload)
}

// apply inserts into the index and payload store. Callers hold mu or own e.
func (e *Engine) apply(id uint64, vec []float32, payload []byte) error {
	if err := e.idx.Insert(id, vec); err != nil {
		return err
	}
	e.payloads[id] = payload
	e.size += RecordSize(len(vec), len(payload))
	e.maxID = max(e.maxID, id)
	return nil
}

// Add logs the document and then inserts it into the index. The vector is
// validated before anything reaches the log.
func (e *Engine) Add(id uint64, vec []float32, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.frozen {
		return ErrFrozen
	}
	if len(vec) != e.idx.Dimension() {
		return &hnsw.ErrDimensionMismatch{Expected: e.idx.Dimension(), Actual: len(vec)}
	}
	if _, ok := e.payloads[id]; ok {
		return fmt.Errorf("%w: %d", hnsw.ErrDuplicateID, id)
	}

	e.buf = encodeRecord(e.buf[:0], id, vec, payload)
	if _, err := e.log.Append(e.buf); err != nil {
		return err
	}

	return e.apply(id, vec, cloneBytes(payload))
}

// Search returns the k nearest documents. An empty Engine reports
// hnsw.ErrEmptyIndex.
func (e *Engine) Search(q []float32, k int) ([]index.Neighbor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.idx.Search(q, k)
}

// Get returns the payload stored for id.
func (e *Engine) Get(id uint64) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.payloads[id]
	return p, ok
}

// Contains reports whether id is stored in this Engine.
func (e *Engine) Contains(id uint64) bool {
	_, ok := e.Get(id)
	return ok
}

// Len returns the number of documents.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.payloads)
}

// Size returns the estimated byte size of the documents held.
func (e *Engine) Size() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

// MaxID returns the largest id held, or 0 when empty.
func (e *Engine) MaxID() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxID
}

// Path returns the current log path.
func (e *Engine) Path() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.path
}

// Index returns the underlying index. It must not be mutated by the caller.
func (e *Engine) Index() index.Index {
	return e.idx
}

// Documents returns every document in ascending id order.
func (e *Engine) Documents() []Document {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]uint64, 0, len(e.payloads))
	for id := range e.payloads {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		vec, _ := e.idx.Vector(id)
		docs = append(docs, Document{ID: id, Vector: vec, Payload: e.payloads[id]})
	}
	return docs
}

// Freeze makes the Engine read-only: the log is synced, closed and renamed to
// newPath. Passing the current path freezes in place.
func (e *Engine) Freeze(newPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.frozen {
		return ErrFrozen
	}

	if err := e.log.Close(); err != nil {
		return fmt.Errorf("engine: freeze: %w", err)
	}
	e.log = nil
	e.frozen = true

	if newPath == e.path {
		return nil
	}

	fsys := e.opts.WAL.FS
	if err := fsys.Rename(e.path, newPath); err != nil {
		return fmt.Errorf("engine: freeze: %w", err)
	}
	e.opts.Logger.Debug("engine frozen", "from", e.path, "to", newPath)
	e.path = newPath
	return nil
}

// Frozen reports whether Freeze has been called.
func (e *Engine) Frozen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frozen
}

// Close closes the log, keeping it on disk for replay. The in-memory state
// stays readable.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *Engine) closeLocked() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.log == nil {
		return nil
	}
	err := e.log.Close()
	e.log = nil
	return err
}

// Remove closes the Engine and deletes its log. It is called once the
// contents are durable elsewhere.
func (e *Engine) Remove() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.closeLocked(); err != nil && !errors.Is(err, wal.ErrClosed) {
		return err
	}
	if err := e.opts.WAL.FS.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("engine: remove %s: %w", e.path, err)
	}
	return nil
}
