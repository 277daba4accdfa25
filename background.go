package vectorbase

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/szuwgh/vectorbase/internal/engine"
	"github.com/szuwgh/vectorbase/internal/manifest"
	"github.com/szuwgh/vectorbase/internal/segment"
)

// compactionRetryDelay is how long the table task waits before retrying a
// failed merge when nothing else wakes it.
const compactionRetryDelay = time.Second

// signalMemComp queues a flush request unless one is already pending.
func (c *Collection) signalMemComp() {
	select {
	case c.memCh <- memComp{}:
	default:
	}
}

// signalTable wakes the table-compaction task unless a wakeup is pending.
func (c *Collection) signalTable() {
	select {
	case c.tableCh <- struct{}{}:
	default:
	}
}

// flushAndWait asks the memory-compaction task to flush the immutable
// memtable and waits for the outcome.
func (c *Collection) flushAndWait(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case c.memCh <- memComp{ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeCh:
		return ErrClosed
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeCh:
		return ErrClosed
	}
}

// memLoop is the memory-compaction task.
func (c *Collection) memLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeCh:
			return
		case cmd := <-c.memCh:
			err := c.flushImmutable()
			if cmd.ack != nil {
				cmd.ack <- err
			}
		}
	}
}

// pauseTable hands the table task a resume channel. It returns once the
// table task has stopped between cycles; closing the channel resumes it.
func (c *Collection) pauseTable() (chan struct{}, error) {
	resume := make(chan struct{})
	select {
	case c.pauseCh <- resume:
		return resume, nil
	case <-c.closeCh:
		return nil, ErrClosed
	}
}

// flushImmutable writes the immutable memtable to a new level-0 segment and
// publishes it. A failure leaves the memtable in place and marks the
// collection degraded until a later flush succeeds.
func (c *Collection) flushImmutable() error {
	c.mu.RLock()
	imm := c.imm
	c.mu.RUnlock()
	if imm == nil {
		return nil
	}

	resume, err := c.pauseTable()
	if err != nil {
		return err
	}
	defer close(resume)

	ctx := context.Background()
	if err := c.res.AcquireBackground(ctx); err != nil {
		return err
	}
	defer c.res.ReleaseBackground()

	start := time.Now()
	id := c.nextSegID.Add(1) - 1
	seg, err := c.writeSegment(ctx, id, imm)
	if err == nil {
		err = c.publish(seg, nil, func() {
			c.imm = nil
			if c.active == imm {
				c.active = nil
			}
			c.degraded = nil
		})
		if err != nil {
			seg.SetOnRelease(c.removeSegmentDir(id))
			seg.DecRef()
		}
	}

	var size int64
	if seg != nil && err == nil {
		size = seg.Size()
	}
	c.metrics.RecordFlush(size, time.Since(start), err)
	c.logger.LogFlush(ctx, id, imm.Len(), time.Since(start), err)

	if err != nil {
		c.mu.Lock()
		c.degraded = err
		c.mu.Unlock()
		return err
	}

	if err := imm.Remove(); err != nil {
		c.logger.Warn("removing flushed WAL failed", "path", imm.Path(), "error", err)
	}
	c.signalTable()
	return nil
}

// writeSegment persists the documents and index of e as segment id.
func (c *Collection) writeSegment(ctx context.Context, id uint64, e *engine.Engine) (*segment.Segment, error) {
	b := segment.NewBuilder()
	for _, d := range e.Documents() {
		if err := b.Add(d.ID, d.Payload); err != nil {
			return nil, err
		}
	}

	path := segment.Path(c.dir, id)
	opts := segment.WriteOptions{Compression: c.opts.compression, FS: c.fs}
	if _, err := b.Write(ctx, path, segment.Meta{ID: id, Level: 0}, e.Index(), opts); err != nil {
		_ = c.fs.RemoveAll(segment.Dir(c.dir, id))
		return nil, err
	}

	seg, err := segment.Open(path, segment.OpenOptions{})
	if err != nil {
		_ = c.fs.RemoveAll(segment.Dir(c.dir, id))
		return nil, err
	}
	return seg, nil
}

// publish records a new segment list in the manifest and then swaps it in.
// Callers are the two background tasks, which never run publish at the same
// time. swap runs under the write lock together with the list update.
func (c *Collection) publish(add *segment.Segment, remove []*segment.Segment, swap func()) error {
	c.mu.RLock()
	next := make([]*segment.Segment, 0, len(c.segments)+1)
	for _, s := range c.segments {
		if !slices.Contains(remove, s) {
			next = append(next, s)
		}
	}
	c.mu.RUnlock()
	next = append(next, add)
	slices.SortFunc(next, func(a, b *segment.Segment) int { return cmp.Compare(a.ID(), b.ID()) })

	m := *c.manifest
	m.NextSegmentID = c.nextSegID.Load()
	m.Segments = make([]manifest.SegmentInfo, 0, len(next))
	for _, s := range next {
		m.Segments = append(m.Segments, manifest.SegmentInfo{
			ID:       s.ID(),
			Level:    s.Level(),
			DocCount: uint64(s.Len()),
			Size:     s.Size(),
		})
		m.MaxDocID = max(m.MaxDocID, s.MaxID())
	}
	for _, s := range remove {
		m.MaxDocID = max(m.MaxDocID, s.MaxID())
	}
	if err := c.manifests.Save(&m); err != nil {
		return err
	}
	c.manifest = &m

	c.mu.Lock()
	c.segments = next
	if swap != nil {
		swap()
	}
	c.mu.Unlock()
	return nil
}

func (c *Collection) removeSegmentDir(id uint64) func() {
	dir := segment.Dir(c.dir, id)
	return func() {
		if err := c.fs.RemoveAll(dir); err != nil {
			c.logger.Warn("removing segment failed", "segment_id", id, "error", err)
		}
	}
}

// tableLoop is the table-compaction task. It only accepts a pause between
// cycles, so a flush never publishes while a merge is in flight.
func (c *Collection) tableLoop() {
	defer c.wg.Done()

	var retry <-chan time.Time
	for {
		select {
		case <-c.closeCh:
			return
		case resume := <-c.pauseCh:
			if !c.waitResume(resume) {
				return
			}
			continue
		default:
		}

		compacted, failed := c.compactOnce()
		if compacted {
			continue
		}
		if failed {
			retry = time.After(compactionRetryDelay)
		}

		select {
		case <-c.closeCh:
			return
		case <-c.tableCh:
		case <-retry:
			retry = nil
		case resume := <-c.pauseCh:
			if !c.waitResume(resume) {
				return
			}
		}
	}
}

func (c *Collection) waitResume(resume chan struct{}) bool {
	select {
	case <-resume:
		return true
	case <-c.closeCh:
		return false
	}
}

// compactOnce runs one table compaction cycle if the planner asks for one.
func (c *Collection) compactOnce() (compacted, failed bool) {
	c.mu.RLock()
	segs := slices.Clone(c.segments)
	c.mu.RUnlock()

	if !c.planner.NeedTableCompact(segs) {
		return false, false
	}
	level := c.planner.Level()
	inputs := c.planner.Plan(segs)

	ctx := context.Background()
	if err := c.res.AcquireBackground(ctx); err != nil {
		return false, true
	}
	defer c.res.ReleaseBackground()

	c.tombMu.RLock()
	deleted := c.tombstones
	c.tombMu.RUnlock()
	dropped := roaring64.New()
	keep := func(id uint64) bool {
		if deleted.Contains(id) {
			dropped.Add(id)
			return false
		}
		return true
	}

	start := time.Now()
	id := c.nextSegID.Add(1) - 1
	opts := segment.WriteOptions{Compression: c.opts.compression, IO: c.res, FS: c.fs}
	out, err := c.planner.Compact(ctx, c.dir, id, inputs, keep, opts)
	if err == nil {
		if err = c.publish(out, inputs, nil); err != nil {
			out.SetOnRelease(c.removeSegmentDir(id))
			out.DecRef()
		}
	}
	c.logger.LogCompaction(ctx, id, level, len(inputs), time.Since(start), err)
	if err != nil {
		c.metrics.RecordCompactionError(level, err)
		return false, true
	}
	c.metrics.RecordCompaction(level, len(inputs), time.Since(start))

	// Inputs are deleted once the last in-flight reader lets go.
	for _, s := range inputs {
		s.SetOnRelease(c.removeSegmentDir(s.ID()))
		s.DecRef()
	}

	if !dropped.IsEmpty() {
		c.pruneTombstones(dropped)
	}
	return true, false
}

// pruneTombstones forgets deletes whose documents compaction dropped.
func (c *Collection) pruneTombstones(dropped *roaring64.Bitmap) {
	c.tombMu.Lock()
	defer c.tombMu.Unlock()

	next := c.tombstones.Clone()
	next.AndNot(dropped)
	if err := saveTombstones(c.fs, c.path(tombstoneFileName), next); err != nil {
		c.logger.Warn("pruning tombstones failed", "error", err)
		return
	}
	c.tombstones = next
}
