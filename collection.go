package vectorbase

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/szuwgh/vectorbase/internal/compaction"
	"github.com/szuwgh/vectorbase/internal/engine"
	"github.com/szuwgh/vectorbase/internal/fs"
	"github.com/szuwgh/vectorbase/internal/hnsw"
	"github.com/szuwgh/vectorbase/internal/manifest"
	"github.com/szuwgh/vectorbase/internal/resource"
	"github.com/szuwgh/vectorbase/internal/segment"
	"github.com/szuwgh/vectorbase/internal/wal"
)

const (
	lockFileName      = "LOCK"
	memWALName        = "mem.wal"
	immWALName        = "imm.wal"
	tombstoneFileName = "tombstones"
)

// Schema describes the vector field of a collection.
type Schema struct {
	Name      string
	Dimension int
}

// Result is a ranked query hit.
type Result struct {
	ID       uint64
	Distance float32
	Payload  []byte
}

// memComp asks the memory-compaction task to flush the immutable memtable.
// A non-nil ack receives the outcome.
type memComp struct {
	ack chan error
}

// Collection is a durable, compacting vector store rooted at one directory.
//
// Writes go to the active memtable. When it fills up it becomes immutable and
// a background task flushes it into a level-0 segment; a second task merges
// segments level by level. Queries fan out over the memtables and every
// segment. A Collection is safe for concurrent use.
type Collection struct {
	dir     string
	schema  Schema
	opts    options
	logger  *Logger
	metrics MetricsCollector
	fs      fs.FileSystem
	lock    *fs.FileLock

	planner   *compaction.Planner
	res       *resource.Controller
	manifests *manifest.Store
	manifest  *manifest.Manifest // owned by the background tasks after Open

	// writeMu serializes Add, Delete, Flush and rotation.
	writeMu sync.Mutex

	// mu guards the slots and the segment list. Readers copy them out.
	mu       sync.RWMutex
	active   *engine.Engine
	imm      *engine.Engine
	segments []*segment.Segment // ascending by id
	degraded error

	tombMu     sync.RWMutex
	tombstones *roaring64.Bitmap

	nextID    atomic.Uint64
	nextSegID atomic.Uint64

	memCh   chan memComp
	tableCh chan struct{}
	pauseCh chan chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens the collection stored in dir, creating it if needed.
//
// Open takes an exclusive lock on the directory, replays any memtable WALs
// and opens every segment listed in the manifest. A segment or WAL that
// fails verification makes Open fail; nothing is skipped.
func Open(dir string, schema Schema, optFns ...Option) (_ *Collection, err error) {
	o := applyOptions(optFns)
	if err := o.validate(); err != nil {
		return nil, err
	}
	if schema.Dimension <= 0 || schema.Dimension > hnsw.MaxDimension {
		return nil, fmt.Errorf("%w: dimension %d out of range [1,%d]", ErrInvalidArgument, schema.Dimension, hnsw.MaxDimension)
	}
	if schema.Name == "" {
		schema.Name = filepath.Base(dir)
	}

	planner, err := compaction.NewPlanner(o.thresholds, o.widths)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if err := o.fs.MkdirAll(filepath.Join(dir, segment.SegmentsDir), 0755); err != nil {
		return nil, err
	}
	lock, err := fs.Lock(filepath.Join(dir, lockFileName))
	if err != nil {
		if errors.Is(err, fs.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, err
	}

	c := &Collection{
		dir:       dir,
		schema:    schema,
		opts:      o,
		logger:    o.logger.WithCollection(schema.Name),
		metrics:   o.metricsCollector,
		fs:        o.fs,
		lock:      lock,
		planner:   planner,
		res:       resource.NewController(resource.Config{IOLimitBytesPerSec: int64(o.compactionIOLimit)}),
		manifests: manifest.NewStore(o.fs, dir),
		memCh:     make(chan memComp, 1),
		tableCh:   make(chan struct{}, 1),
		pauseCh:   make(chan chan struct{}),
		closeCh:   make(chan struct{}),
	}
	defer func() {
		if err != nil {
			c.release()
			err = translateError(err)
		}
	}()

	if err := c.load(context.Background()); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.memLoop()
	go c.tableLoop()

	if c.imm != nil {
		c.signalMemComp()
	}
	c.signalTable()

	c.logger.Info("collection opened",
		"dir", dir,
		"dimension", schema.Dimension,
		"segments", len(c.segments),
		"next_id", c.nextID.Load(),
	)
	return c, nil
}

func (c *Collection) load(ctx context.Context) error {
	m, err := c.manifests.Load()
	if err != nil {
		return err
	}
	c.manifest = m
	c.nextSegID.Store(m.NextSegmentID)

	if err := c.removeLeftovers(); err != nil {
		return err
	}

	c.tombstones, err = loadTombstones(c.fs, c.path(tombstoneFileName))
	if err != nil {
		return err
	}

	for _, info := range m.Segments {
		seg, err := segment.Open(segment.Path(c.dir, info.ID), segment.OpenOptions{})
		if err != nil {
			return err
		}
		c.segments = append(c.segments, seg)
		if seg.ID() != info.ID {
			return fmt.Errorf("%w: segment directory %d holds segment %d", ErrCorrupt, info.ID, seg.ID())
		}
	}
	slices.SortFunc(c.segments, func(a, b *segment.Segment) int { return cmp.Compare(a.ID(), b.ID()) })

	if err := c.openEngines(ctx); err != nil {
		return err
	}

	next := max(m.MaxDocID, c.segmentsMaxID(), c.active.MaxID())
	if c.imm != nil {
		next = max(next, c.imm.MaxID())
	}
	if !c.tombstones.IsEmpty() {
		next = max(next, c.tombstones.Maximum())
	}
	c.nextID.Store(next + 1)
	return nil
}

// removeLeftovers deletes temporary files and segment directories that no
// manifest references.
func (c *Collection) removeLeftovers() error {
	entries, err := c.fs.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tmp") {
			if err := c.fs.Remove(c.path(e.Name())); err != nil {
				return err
			}
		}
	}

	entries, err = c.fs.ReadDir(c.path(segment.SegmentsDir))
	if err != nil {
		return err
	}
	for _, e := range entries {
		id, ok := segment.ParseDirName(e.Name())
		if !ok || !e.IsDir() || c.manifest.Contains(id) {
			continue
		}
		c.logger.Warn("removing unreferenced segment", "segment_id", id)
		if err := c.fs.RemoveAll(segment.Dir(c.dir, id)); err != nil {
			return err
		}
	}
	return nil
}

// openEngines replays the immutable and active WALs.
func (c *Collection) openEngines(ctx context.Context) error {
	immPath := c.path(immWALName)
	ok, err := fs.Exists(c.fs, immPath)
	if err != nil {
		return err
	}
	if ok {
		imm, err := engine.Open(immPath, c.engineOptions())
		c.logger.LogRecovery(ctx, immPath, lenOf(imm), err)
		if err != nil {
			return err
		}
		switch {
		case imm.Len() == 0, max(c.manifest.MaxDocID, c.segmentsMaxID()) >= imm.MaxID():
			// Empty, or flushed before the WAL could be removed.
			if err := imm.Remove(); err != nil {
				return err
			}
		default:
			if err := imm.Freeze(immPath); err != nil {
				return err
			}
			c.imm = imm
		}
	}

	memPath := c.path(memWALName)
	active, err := engine.Open(memPath, c.engineOptions())
	c.logger.LogRecovery(ctx, memPath, lenOf(active), err)
	if err != nil {
		return err
	}
	c.active = active
	return nil
}

func lenOf(e *engine.Engine) int {
	if e == nil {
		return 0
	}
	return e.Len()
}

func (c *Collection) engineOptions() engine.Options {
	return engine.Options{
		WAL: wal.Options{
			Sync:    c.opts.syncMode,
			Backend: c.opts.ioBackend,
			FS:      c.fs,
		},
		Index:  c.opts.hnswOptions(c.schema.Dimension),
		Logger: c.logger.Logger,
	}
}

func (c *Collection) path(name string) string {
	return filepath.Join(c.dir, name)
}

// segmentsMaxID returns the largest document id held by an open segment.
func (c *Collection) segmentsMaxID() uint64 {
	var id uint64
	for _, s := range c.segments {
		id = max(id, s.MaxID())
	}
	return id
}

// Dir returns the collection directory.
func (c *Collection) Dir() string {
	return c.dir
}

// Schema returns the collection schema.
func (c *Collection) Schema() Schema {
	return c.schema
}

// SegmentStats describes one on-disk segment.
type SegmentStats struct {
	ID    uint64
	Level int
	Docs  int
	Bytes int64
}

// Stats is a point-in-time view of a collection.
type Stats struct {
	Name      string
	Dimension int

	ActiveDocs    int
	ActiveBytes   int64
	Immutable     bool
	ImmutableDocs int
	Segments      []SegmentStats
	// Levels counts segments per compaction level.
	Levels  []int
	Deleted uint64
	NextID  uint64

	// CompactionLevel is the level the table-compaction task scans next.
	CompactionLevel int

	Degraded      bool
	DegradedCause string

	// Metrics is set when the collection reports to a BasicMetricsCollector.
	Metrics *BasicMetricsStats
}

// Stats returns counts per level, the memtable state and the degraded flag.
func (c *Collection) Stats() Stats {
	c.mu.RLock()
	active, imm, degraded := c.active, c.imm, c.degraded
	segs := c.acquireSegmentsLocked()
	c.mu.RUnlock()
	defer releaseSegments(segs)

	st := Stats{
		Name:            c.schema.Name,
		Dimension:       c.schema.Dimension,
		Immutable:       imm != nil,
		Levels:          make([]int, c.planner.NumLevels()),
		NextID:          c.nextID.Load(),
		CompactionLevel: c.planner.Level(),
		Degraded:        degraded != nil,
	}
	if active != nil && active != imm {
		st.ActiveDocs = active.Len()
		st.ActiveBytes = active.Size()
	}
	if imm != nil {
		st.ImmutableDocs = imm.Len()
	}
	if degraded != nil {
		st.DegradedCause = degraded.Error()
	}
	for _, s := range segs {
		st.Segments = append(st.Segments, SegmentStats{ID: s.ID(), Level: s.Level(), Docs: s.Len(), Bytes: s.Size()})
		if s.Level() < len(st.Levels) {
			st.Levels[s.Level()]++
		}
	}

	c.tombMu.RLock()
	st.Deleted = c.tombstones.GetCardinality()
	c.tombMu.RUnlock()

	if b, ok := c.metrics.(*BasicMetricsCollector); ok {
		ms := b.GetStats()
		st.Metrics = &ms
	}
	return st
}
