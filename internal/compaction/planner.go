package compaction

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/szuwgh/vectorbase/index"
	"github.com/szuwgh/vectorbase/internal/fs"
	"github.com/szuwgh/vectorbase/internal/segment"
)

var (
	// DefaultThresholds is the per-level file count above which a level is
	// compacted.
	DefaultThresholds = []int{2, 2, 2, 2, 1}

	// DefaultWidths is the per-level maximum number of segments merged at
	// once.
	DefaultWidths = []int{2, 2, 2, 2, 2}
)

// ErrNoInputs is returned by Compact when there is nothing to merge.
var ErrNoInputs = errors.New("compaction: no input segments")

// Planner decides which segments to merge. It is safe for concurrent use,
// although a collection drives it from a single task.
type Planner struct {
	mu         sync.Mutex
	thresholds []int
	widths     []int
	cur        int
}

// NewPlanner returns a planner for the given per-level thresholds and merge
// widths. Both must have the same, non-zero length.
func NewPlanner(thresholds, widths []int) (*Planner, error) {
	if len(thresholds) == 0 || len(thresholds) != len(widths) {
		return nil, fmt.Errorf("compaction: %d thresholds for %d widths", len(thresholds), len(widths))
	}
	for i := range thresholds {
		if thresholds[i] < 1 {
			return nil, fmt.Errorf("compaction: level %d threshold %d < 1", i, thresholds[i])
		}
		if widths[i] < 2 {
			return nil, fmt.Errorf("compaction: level %d merge width %d < 2", i, widths[i])
		}
	}
	return &Planner{
		thresholds: slices.Clone(thresholds),
		widths:     slices.Clone(widths),
	}, nil
}

// Level returns the current scan level.
func (p *Planner) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// NumLevels returns the number of configured levels.
func (p *Planner) NumLevels() int {
	return len(p.thresholds)
}

// MaxLevel returns the highest level a segment can reach.
func (p *Planner) MaxLevel() int {
	return len(p.thresholds) - 1
}

// NeedTableCompact reports whether more segments than the threshold sit at
// the scan level. A false result resets the scan to level 0.
func (p *Planner) NeedTableCompact(segs []*segment.Segment) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range segs {
		if s.Level() == p.cur {
			n++
		}
	}
	if n > p.thresholds[p.cur] {
		return true
	}
	p.cur = 0
	return false
}

// Plan selects the segments at the scan level, smallest file first, up to
// the level's merge width.
func (p *Planner) Plan(segs []*segment.Segment) []*segment.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()

	var picked []*segment.Segment
	for _, s := range segs {
		if s.Level() == p.cur {
			picked = append(picked, s)
		}
	}
	slices.SortStableFunc(picked, func(a, b *segment.Segment) int {
		return cmp.Compare(a.Size(), b.Size())
	})
	if len(picked) > p.widths[p.cur] {
		picked = picked[:p.widths[p.cur]]
	}
	return picked
}

// TargetLevel returns the level Compact writes to.
func (p *Planner) TargetLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetLevel()
}

func (p *Planner) targetLevel() int {
	return min(p.cur+1, p.MaxLevel())
}

// Compact merges inputs into a new segment with the given id under dir and
// advances the scan level. Documents rejected by keep are dropped; a nil
// keep retains everything. The caller publishes the result and retires the
// inputs. On failure nothing is published, the inputs are untouched and the
// scan level is unchanged.
func (p *Planner) Compact(ctx context.Context, dir string, id uint64, inputs []*segment.Segment, keep func(uint64) bool, opts segment.WriteOptions) (*segment.Segment, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}

	p.mu.Lock()
	level := p.targetLevel()
	p.mu.Unlock()

	out, err := merge(ctx, dir, segment.Meta{ID: id, Level: level}, inputs, keep, opts)
	if err != nil {
		_ = opts.FS.RemoveAll(segment.Dir(dir, id))
		return nil, err
	}

	p.mu.Lock()
	p.cur = (p.cur + 1) % len(p.thresholds)
	p.mu.Unlock()
	return out, nil
}

func merge(ctx context.Context, dir string, meta segment.Meta, inputs []*segment.Segment, keep func(uint64) bool, opts segment.WriteOptions) (*segment.Segment, error) {
	others := make([]index.Index, 0, len(inputs)-1)
	for _, s := range inputs[1:] {
		others = append(others, s.Index())
	}
	idx, err := inputs[0].Index().Merge(others, keep)
	if err != nil {
		return nil, fmt.Errorf("compaction: merge indexes: %w", err)
	}

	b := segment.NewBuilder()
	for _, s := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.Documents(func(id uint64, payload []byte) error {
			if keep != nil && !keep(id) {
				return nil
			}
			return b.Add(id, payload)
		})
		if err != nil {
			return nil, fmt.Errorf("compaction: segment %d documents: %w", s.ID(), err)
		}

		for _, field := range s.Fields() {
			if field == segment.IDField {
				continue
			}
			err := s.Terms(field, func(term []byte, ids *roaring64.Bitmap) error {
				if keep != nil {
					ids = filter(ids, keep)
				}
				if !ids.IsEmpty() {
					b.AddPostings(field, term, ids)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("compaction: segment %d postings: %w", s.ID(), err)
			}
		}
	}

	path := segment.Path(dir, meta.ID)
	if _, err := b.Write(ctx, path, meta, idx, opts); err != nil {
		return nil, err
	}
	return segment.Open(path, segment.OpenOptions{})
}

func filter(ids *roaring64.Bitmap, keep func(uint64) bool) *roaring64.Bitmap {
	out := roaring64.New()
	it := ids.Iterator()
	for it.HasNext() {
		if id := it.Next(); keep(id) {
			out.Add(id)
		}
	}
	return out
}
