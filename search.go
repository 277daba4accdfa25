package vectorbase

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/szuwgh/vectorbase/index"
	"github.com/szuwgh/vectorbase/internal/engine"
	"github.com/szuwgh/vectorbase/internal/hnsw"
	"github.com/szuwgh/vectorbase/internal/segment"
)

// source is one searchable part of a collection: a memtable or a segment.
type source interface {
	Search(q []float32, k int) ([]index.Neighbor, error)
	Get(id uint64) ([]byte, bool)
}

// view is a consistent set of sources. Segments in a view hold a reference
// until release.
type view struct {
	active *engine.Engine
	imm    *engine.Engine
	segs   []*segment.Segment
}

func (c *Collection) acquireView() view {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := view{active: c.active, imm: c.imm, segs: c.acquireSegmentsLocked()}
	if v.imm == v.active {
		v.active = nil
	}
	return v
}

// acquireSegmentsLocked copies the segment list, taking a reference on each.
// Callers hold mu.
func (c *Collection) acquireSegmentsLocked() []*segment.Segment {
	segs := slices.Clone(c.segments)
	for _, s := range segs {
		s.IncRef()
	}
	return segs
}

func releaseSegments(segs []*segment.Segment) {
	for _, s := range segs {
		s.DecRef()
	}
}

// sources lists memtables first, then segments from newest to oldest.
func (v view) sources() []source {
	out := make([]source, 0, len(v.segs)+2)
	if v.active != nil {
		out = append(out, v.active)
	}
	if v.imm != nil {
		out = append(out, v.imm)
	}
	for i := len(v.segs) - 1; i >= 0; i-- {
		out = append(out, v.segs[i])
	}
	return out
}

func (v view) release() {
	releaseSegments(v.segs)
}

// snapshot reads the delete mask and then takes a view. Compaction prunes
// the mask only after it has published the merge that dropped those ids, so
// any id missing from the returned mask is also missing from the view.
func (c *Collection) snapshot() (*roaring64.Bitmap, view) {
	// The mask is replaced on every delete, never modified in place.
	c.tombMu.RLock()
	deleted := c.tombstones
	c.tombMu.RUnlock()
	return deleted, c.acquireView()
}

// Query returns the k nearest live documents to vec by ascending distance.
//
// Each memtable and segment is searched independently and the per-source
// results are merged. A collection that has never held a document reports
// ErrEmptyIndex; one whose documents are all deleted returns no results.
func (c *Collection) Query(ctx context.Context, vec []float32, k int) ([]Result, error) {
	start := time.Now()
	results, err := c.query(ctx, vec, k)
	err = translateError(err)
	c.metrics.RecordQuery(k, time.Since(start), err)
	c.logger.LogQuery(ctx, k, len(results), err)
	return results, err
}

type hit struct {
	index.Neighbor
	src source
}

func (c *Collection) query(ctx context.Context, vec []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	if len(vec) != c.schema.Dimension {
		return nil, &hnsw.ErrDimensionMismatch{Expected: c.schema.Dimension, Actual: len(vec)}
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	deleted, v := c.snapshot()
	defer v.release()

	fetch := k + int(deleted.GetCardinality())

	srcs := v.sources()
	perSource := make([][]index.Neighbor, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found, err := src.Search(vec, fetch)
			if errors.Is(err, hnsw.ErrEmptyIndex) {
				return nil
			}
			if err != nil {
				return err
			}
			perSource[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var hits []hit
	// Published segments count as data even when compaction emptied them.
	empty := len(v.segs) == 0
	for i, found := range perSource {
		if found != nil {
			empty = false
		}
		for _, n := range found {
			if !deleted.Contains(n.ID) {
				hits = append(hits, hit{Neighbor: n, src: srcs[i]})
			}
		}
	}
	if empty {
		return nil, hnsw.ErrEmptyIndex
	}

	slices.SortFunc(hits, func(a, b hit) int {
		if d := cmp.Compare(a.Distance, b.Distance); d != 0 {
			return d
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	// Segment payloads alias the mapping, so copy before the view is released.
	results := make([]Result, len(hits))
	for i, h := range hits {
		payload, _ := h.src.Get(h.ID)
		results[i] = Result{ID: h.ID, Distance: h.Distance, Payload: cloneBytes(payload)}
	}
	return results, nil
}

// Get returns the payload of document id. Deleted and unknown ids report
// ErrNotFound.
func (c *Collection) Get(ctx context.Context, id uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	payload, err := c.get(id)
	return payload, translateError(err)
}

// get looks id up in the active memtable, the immutable memtable and then
// the segments from newest to oldest.
func (c *Collection) get(id uint64) ([]byte, error) {
	deleted, v := c.snapshot()
	defer v.release()
	if deleted.Contains(id) {
		return nil, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}

	for _, src := range v.sources() {
		if payload, ok := src.Get(id); ok {
			return cloneBytes(payload), nil
		}
	}
	return nil, fmt.Errorf("%w: document %d", ErrNotFound, id)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
