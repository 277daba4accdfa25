package vectorbase

// Close stops the background tasks once their current flush or compaction
// finishes, closes the memtables and releases the segments and the
// directory lock. Memtable WALs stay on disk and are replayed by the next
// Open. Close is idempotent.
func (c *Collection) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.wg.Wait()

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.closeErr = c.release()
		c.logger.Info("collection closed", "dir", c.dir)
	})
	return c.closeErr
}

// release closes everything Open acquired. It returns the first error.
func (c *Collection) release() error {
	c.mu.Lock()
	active, imm, segs := c.active, c.imm, c.segments
	c.active, c.imm, c.segments = nil, nil, nil
	c.mu.Unlock()

	var firstErr error
	if active != nil && active != imm {
		if err := active.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if imm != nil {
		if err := imm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	releaseSegments(segs)

	if err := c.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
