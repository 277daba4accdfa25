package vectorbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/szuwgh/vectorbase/internal/engine"
	"github.com/szuwgh/vectorbase/internal/hnsw"
)

// Add stores vec with an opaque payload and returns the id assigned to it.
//
// Ids are strictly increasing. The document is durable in the active WAL
// before Add returns (subject to the sync mode) and is visible to queries
// immediately. When the active memtable is full, Add first rotates it; if
// the previous immutable memtable has not been flushed yet, Add waits for
// that flush.
func (c *Collection) Add(ctx context.Context, vec []float32, payload []byte) (uint64, error) {
	start := time.Now()
	id, err := c.add(ctx, vec, payload)
	err = translateError(err)
	c.metrics.RecordAdd(time.Since(start), err)
	c.logger.LogAdd(ctx, id, len(vec), err)
	return id, err
}

func (c *Collection) add(ctx context.Context, vec []float32, payload []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(vec) != c.schema.Dimension {
		return 0, &hnsw.ErrDimensionMismatch{Expected: c.schema.Dimension, Actual: len(vec)}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return 0, ErrClosed
	}
	if err := c.makeRoom(ctx, engine.RecordSize(len(vec), len(payload))); err != nil {
		return 0, err
	}

	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()

	id := c.nextID.Load()
	if err := active.Add(id, vec, payload); err != nil {
		return 0, err
	}
	c.nextID.Store(id + 1)
	return id, nil
}

// makeRoom rotates the active memtable when a write of n bytes would
// overflow it. Callers hold writeMu.
func (c *Collection) makeRoom(ctx context.Context, n int64) error {
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()

	full := active == nil || active.Frozen() ||
		(active.Len() > 0 && active.Size()+n > c.opts.memTableSize)
	if !full {
		return nil
	}
	return c.rotate(ctx)
}

// rotate freezes the active memtable into the immutable slot and opens a
// fresh one. Readers see the swap atomically. Callers hold writeMu.
func (c *Collection) rotate(ctx context.Context) error {
	if err := c.waitImmutable(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	old := c.active
	c.mu.RUnlock()

	immPath := c.path(immWALName)
	if old != nil && !old.Frozen() {
		if err := old.Freeze(immPath); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
	} else if old != nil && old.Path() != immPath {
		return fmt.Errorf("rotate: memtable frozen at %s", old.Path())
	}

	fresh, err := engine.Open(c.path(memWALName), c.engineOptions())

	c.mu.Lock()
	if old != nil {
		c.imm = old
	}
	if err == nil {
		c.active = fresh
	}
	c.mu.Unlock()

	if old != nil {
		c.signalMemComp()
	}
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	c.metrics.RecordRotation()
	c.logger.Debug("memtable rotated", "docs", lenOf(old))
	return nil
}

// waitImmutable blocks until the immutable slot is empty, flushing it if
// needed. A failed flush is reported as ErrDegraded.
func (c *Collection) waitImmutable(ctx context.Context) error {
	for {
		c.mu.RLock()
		imm := c.imm
		c.mu.RUnlock()
		if imm == nil {
			return nil
		}
		if err := c.flushAndWait(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: %w", ErrDegraded, err)
		}
	}
}

// Flush rotates the active memtable, if it holds anything, and waits until
// every memtable document is in a segment.
func (c *Collection) Flush(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()

	if active == nil || active.Frozen() || active.Len() > 0 {
		if err := c.rotate(ctx); err != nil {
			return translateError(err)
		}
	}
	return translateError(c.waitImmutable(ctx))
}

// Delete hides the document id from queries and Get. The delete is durable
// when Delete returns; compaction drops the document from disk later.
func (c *Collection) Delete(ctx context.Context, id uint64) error {
	err := translateError(c.delete(ctx, id))
	c.logger.LogDelete(ctx, id, err)
	return err
}

func (c *Collection) delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.get(id); err != nil {
		return err
	}

	c.tombMu.Lock()
	defer c.tombMu.Unlock()

	next := c.tombstones.Clone()
	next.Add(id)
	if err := saveTombstones(c.fs, c.path(tombstoneFileName), next); err != nil {
		return err
	}
	c.tombstones = next
	return nil
}
