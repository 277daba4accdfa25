package vectorbase

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szuwgh/vectorbase/internal/compaction"
	"github.com/szuwgh/vectorbase/internal/engine"
	"github.com/szuwgh/vectorbase/internal/fs"
	"github.com/szuwgh/vectorbase/internal/segment"
	"github.com/szuwgh/vectorbase/testutil"
)

const waitFor = 5 * time.Second

var axes = [][]float32{
	{0, 0, 0, 1},
	{0, 0, 1, 0},
	{0, 1, 0, 0},
	{1, 0, 0, 0},
}

func openTest(t *testing.T, dir string, opts ...Option) *Collection {
	t.Helper()
	c, err := Open(dir, Schema{Name: "test", Dimension: 4}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// recordsOf returns a memtable size that holds exactly n payload-less 4-d
// records.
func recordsOf(n int) int64 {
	return int64(n) * engine.RecordSize(4, 0)
}

func TestAddQuery(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, t.TempDir())

	var ids []uint64
	for i, v := range axes {
		id, err := c.Add(ctx, v, []byte(fmt.Sprintf("doc-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, ids)

	res, err := c.Query(ctx, axes[0], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ids[0], res[0].ID)
	assert.InDelta(t, 0, res[0].Distance, 1e-6)
	assert.Equal(t, []byte("doc-0"), res[0].Payload)

	res, err = c.Query(ctx, axes[0], 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, ids[0], res[0].ID)
	assert.Contains(t, ids[1:], res[1].ID)
	assert.InDelta(t, math.Sqrt2, res[1].Distance, 1e-5)

	payload, err := c.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, []byte("doc-2"), payload)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, t.TempDir())

	_, err := c.Query(ctx, axes[0], 1)
	assert.ErrorIs(t, err, ErrEmptyIndex)

	_, err = c.Add(ctx, []float32{1, 2}, nil)
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	_, err = c.Add(ctx, axes[0], nil)
	require.NoError(t, err)

	_, err = c.Query(ctx, []float32{1}, 1)
	require.ErrorAs(t, err, &dm)

	_, err = c.Query(ctx, axes[0], 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Open(t.TempDir(), Schema{Dimension: 0})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Open(t.TempDir(), Schema{Dimension: 4}, WithCompactionThresholds(2, 2), WithMergeWidths(2))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Open(t.TempDir(), Schema{Dimension: 4}, WithHNSW(1<<15, 0, 0, 0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRotationFlushesToLevelZero(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	// Hold the first flush back so the immutable slot can be observed.
	ffs.AddRule(segment.FileName+".tmp", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	metrics := &BasicMetricsCollector{}
	c := openTest(t, t.TempDir(), WithMemTableSize(recordsOf(4)), WithFileSystem(ffs), WithMetricsCollector(metrics))

	for i := range 5 {
		_, err := c.Add(ctx, axes[i%4], nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return c.Stats().Degraded }, waitFor, time.Millisecond)
	st := c.Stats()
	assert.True(t, st.Immutable)
	assert.Equal(t, 4, st.ImmutableDocs)
	assert.Equal(t, 1, st.ActiveDocs)
	assert.Empty(t, st.Segments)

	// Every document stays queryable while the flush is pending.
	for i := range 5 {
		payload, err := c.Get(ctx, uint64(i+1))
		require.NoError(t, err)
		assert.Nil(t, payload)
	}

	ffs.ClearRules()
	require.NoError(t, c.flushAndWait(ctx))

	st = c.Stats()
	assert.False(t, st.Immutable)
	assert.False(t, st.Degraded)
	require.Len(t, st.Segments, 1)
	assert.Equal(t, 0, st.Segments[0].Level)
	assert.Equal(t, 4, st.Segments[0].Docs)
	assert.Equal(t, 1, st.ActiveDocs)

	_, err := os.Stat(filepath.Join(c.Dir(), immWALName))
	assert.True(t, os.IsNotExist(err))

	ms := metrics.GetStats()
	assert.Equal(t, int64(1), ms.Rotations)
	assert.Equal(t, int64(1), ms.FlushErrors)
	assert.Equal(t, int64(1), ms.FlushCount)
	assert.Equal(t, int64(5), ms.AddCount)
}

func TestRotationWithoutFaults(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, t.TempDir(), WithMemTableSize(recordsOf(4)))

	for i := range 5 {
		_, err := c.Add(ctx, axes[i%4], nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		st := c.Stats()
		return !st.Immutable && len(st.Segments) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1, c.Stats().Levels[0])
}

func TestDegradedAdd(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(segment.FileName+".tmp", fs.Fault{FailAfterBytes: 0})

	c := openTest(t, t.TempDir(), WithMemTableSize(recordsOf(2)), WithFileSystem(ffs))
	for i := range 4 {
		_, err := c.Add(ctx, axes[i], nil)
		require.NoError(t, err)
	}

	// The next rotation has to wait for the failing flush.
	_, err := c.Add(ctx, axes[0], nil)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.True(t, c.Stats().Degraded)

	res, err := c.Query(ctx, axes[0], 4)
	require.NoError(t, err)
	assert.Len(t, res, 4)

	ffs.ClearRules()
	id, err := c.Add(ctx, axes[0], nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)
	assert.False(t, c.Stats().Degraded)
}

func TestTableCompaction(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}
	c := openTest(t, t.TempDir(), WithMetricsCollector(metrics))

	vectors := testutil.NewRNG(7).UniformVectors(30, 4)
	for s := range 3 {
		for _, v := range vectors[s*10 : (s+1)*10] {
			_, err := c.Add(ctx, v, nil)
			require.NoError(t, err)
		}
		require.NoError(t, c.Flush(ctx))
	}

	require.Eventually(t, func() bool {
		lv := c.Stats().Levels
		return lv[0] == 1 && lv[1] == 1
	}, waitFor, time.Millisecond)

	st := c.Stats()
	assert.Len(t, st.Segments, 2)
	assert.Eventually(t, func() bool { return metrics.GetStats().CompactionCount == 1 }, waitFor, time.Millisecond)
	docs := 0
	for _, s := range st.Segments {
		docs += s.Docs
	}
	assert.Equal(t, 30, docs)

	for i, v := range vectors {
		res, err := c.Query(ctx, v, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, uint64(i+1), res[0].ID)
		assert.InDelta(t, 0, res[0].Distance, 1e-6)
	}

	// Merged inputs are removed from disk once released.
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(c.Dir(), segment.SegmentsDir))
		return err == nil && len(entries) == 2
	}, waitFor, time.Millisecond)
}

func TestQueryMergesSources(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, t.TempDir())

	vectors := testutil.NewRNG(3).UniformVectors(40, 4)
	for i, v := range vectors {
		_, err := c.Add(ctx, v, []byte{byte(i)})
		require.NoError(t, err)
		if i == 14 || i == 29 {
			require.NoError(t, c.Flush(ctx))
		}
	}

	q := testutil.NewRNG(4).UniformVectors(1, 4)[0]
	want := testutil.BruteForceSearch(vectors, 1, q, 10)

	res, err := c.Query(ctx, q, 10)
	require.NoError(t, err)
	require.Len(t, res, 10)
	for i := range res {
		assert.Equal(t, want[i].ID, res[i].ID)
		assert.Equal(t, []byte{byte(res[i].ID - 1)}, res[i].Payload)
		if i > 0 {
			assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
		}
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openTest(t, dir)

	for _, v := range axes {
		_, err := c.Add(ctx, v, nil)
		require.NoError(t, err)
	}
	require.NoError(t, c.Delete(ctx, 1))
	assert.ErrorIs(t, c.Delete(ctx, 1), ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, 42), ErrNotFound)

	_, err := c.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := c.Query(ctx, axes[0], 4)
	require.NoError(t, err)
	require.Len(t, res, 3)
	for _, r := range res {
		assert.NotEqual(t, uint64(1), r.ID)
	}

	require.NoError(t, c.Close())

	c = openTest(t, dir)
	_, err = c.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(1), c.Stats().Deleted)
}

func TestCompactionDropsDeleted(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, t.TempDir(), WithCompactionThresholds(1, 1), WithMergeWidths(2, 2))

	for s := range 2 {
		for i := range 3 {
			_, err := c.Add(ctx, []float32{float32(s), float32(i), 0, 1}, nil)
			require.NoError(t, err)
		}
		if s == 0 {
			require.NoError(t, c.Delete(ctx, 2))
		}
		require.NoError(t, c.Flush(ctx))
	}

	require.Eventually(t, func() bool {
		st := c.Stats()
		return len(st.Segments) == 1 && st.Deleted == 0
	}, waitFor, time.Millisecond)

	st := c.Stats()
	assert.Equal(t, 1, st.Segments[0].Level)
	assert.Equal(t, 5, st.Segments[0].Docs)

	_, err := c.Get(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	// A dropped id is never issued again.
	id, err := c.Add(ctx, axes[0], nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
}

// lowerThresholds makes every level compact as soon as it holds two
// segments. The table task must be paused.
func lowerThresholds(t *testing.T, c *Collection) {
	t.Helper()
	p, err := compaction.NewPlanner([]int{1, 1, 1, 1, 1}, compaction.DefaultWidths)
	require.NoError(t, err)
	c.planner = p
}

func manifestPointer(dir string) string {
	b, _ := os.ReadFile(filepath.Join(dir, "CURRENT"))
	return string(b)
}

// addAndFlush writes each vector to its own level-0 segment.
func addAndFlush(t *testing.T, c *Collection, vecs ...[]float32) {
	t.Helper()
	ctx := context.Background()
	for _, v := range vecs {
		_, err := c.Add(ctx, v, nil)
		require.NoError(t, err)
		require.NoError(t, c.Flush(ctx))
	}
}

func TestSnapshotOutlivesTombstonePrune(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, t.TempDir())

	addAndFlush(t, c, axes[0], axes[1])
	require.NoError(t, c.Delete(ctx, 1))

	resume, err := c.pauseTable()
	require.NoError(t, err)
	defer close(resume)
	lowerThresholds(t, c)

	// Taken by a reader before the merge runs.
	deleted, v := c.snapshot()
	defer v.release()

	compacted, failed := c.compactOnce()
	require.True(t, compacted)
	require.False(t, failed)
	assert.Equal(t, uint64(0), c.Stats().Deleted)

	held := 0
	for _, src := range v.sources() {
		if _, ok := src.Get(1); ok {
			held++
		}
	}
	require.Equal(t, 1, held, "old view keeps the input segment")
	assert.True(t, deleted.Contains(1))

	res, err := c.Query(ctx, axes[0], 2)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(2), res[0].ID)
}

func TestPauseHoldsTableCompaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openTest(t, dir)

	addAndFlush(t, c, axes[0], axes[1])

	resume, err := c.pauseTable()
	require.NoError(t, err)
	lowerThresholds(t, c)
	c.signalTable()

	before := manifestPointer(dir)
	require.NotEmpty(t, before)
	segs := len(c.Stats().Segments)
	require.Equal(t, 2, segs)

	_, err = c.Add(ctx, axes[2], nil)
	require.NoError(t, err)
	flushed := make(chan error, 1)
	go func() { flushed <- c.Flush(ctx) }()

	// Neither the due merge nor the flush may publish while paused.
	assert.Never(t, func() bool {
		return len(flushed) > 0 || manifestPointer(dir) != before || len(c.Stats().Segments) != segs
	}, 200*time.Millisecond, 10*time.Millisecond)

	close(resume)
	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("flush did not finish after resume")
	}

	require.Eventually(t, func() bool {
		lv := c.Stats().Levels
		return lv[0] == 1 && lv[1] == 1
	}, waitFor, time.Millisecond)
	assert.NotEqual(t, before, manifestPointer(dir))
}

func TestQueryAllDeleted(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, t.TempDir(), WithCompactionThresholds(1, 1), WithMergeWidths(2, 2))

	for _, v := range axes[:2] {
		id, err := c.Add(ctx, v, nil)
		require.NoError(t, err)
		require.NoError(t, c.Delete(ctx, id))

		res, err := c.Query(ctx, v, 1)
		require.NoError(t, err)
		assert.Empty(t, res)

		require.NoError(t, c.Flush(ctx))
	}

	// The merge drops both documents and leaves an empty segment.
	require.Eventually(t, func() bool {
		st := c.Stats()
		return len(st.Segments) == 1 && st.Segments[0].Level == 1 && st.Deleted == 0
	}, waitFor, time.Millisecond)
	assert.Equal(t, 0, c.Stats().Segments[0].Docs)

	res, err := c.Query(ctx, axes[0], 1)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openTest(t, dir, WithMemTableSize(recordsOf(3)+30))

	for i := range 10 {
		_, err := c.Add(ctx, []float32{float32(i), 0, 0, 0}, []byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Add(ctx, axes[0], nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Query(ctx, axes[0], 1)
	assert.ErrorIs(t, err, ErrClosed)

	c = openTest(t, dir)
	for i := range 10 {
		payload, err := c.Get(ctx, uint64(i+1))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("p%d", i)), payload)
	}

	res, err := c.Query(ctx, []float32{9, 0, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res[0].ID)

	id, err := c.Add(ctx, axes[0], nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), id)
}

func TestReopenReplaysImmutable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(segment.FileName+".tmp", fs.Fault{FailAfterBytes: 0})
	c, err := Open(dir, Schema{Dimension: 4}, WithMemTableSize(recordsOf(2)), WithFileSystem(ffs))
	require.NoError(t, err)

	for i := range 3 {
		_, err := c.Add(ctx, axes[i], nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return c.Stats().Degraded }, waitFor, time.Millisecond)
	require.NoError(t, c.Close())

	_, err = os.Stat(filepath.Join(dir, immWALName))
	require.NoError(t, err)

	c = openTest(t, dir)
	require.Eventually(t, func() bool {
		st := c.Stats()
		return !st.Immutable && len(st.Segments) == 1
	}, waitFor, time.Millisecond)

	st := c.Stats()
	assert.Equal(t, 2, st.Segments[0].Docs)
	assert.Equal(t, 1, st.ActiveDocs)
	assert.Equal(t, uint64(4), st.NextID)
}

func TestFlushedImmutableIsNotReplayedTwice(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openTest(t, dir)

	for _, v := range axes {
		_, err := c.Add(ctx, v, nil)
		require.NoError(t, err)
	}
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Close())

	// Simulate a crash between publishing the segment and removing the WAL.
	o := applyOptions(nil)
	e, err := engine.Open(filepath.Join(dir, immWALName), engine.Options{Index: o.hnswOptions(4)})
	require.NoError(t, err)
	for i, v := range axes {
		require.NoError(t, e.Add(uint64(i+1), v, nil))
	}
	require.NoError(t, e.Close())

	c = openTest(t, dir)
	st := c.Stats()
	assert.False(t, st.Immutable)
	assert.Len(t, st.Segments, 1)

	res, err := c.Query(ctx, axes[0], 4)
	require.NoError(t, err)
	assert.Len(t, res, 4)
}

func TestOpenLocked(t *testing.T) {
	dir := t.TempDir()
	openTest(t, dir)

	_, err := Open(dir, Schema{Dimension: 4})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestOpenCorruptSegment(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openTest(t, dir)

	for _, v := range axes {
		_, err := c.Add(ctx, v, []byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, c.Flush(ctx))
	seg := c.Stats().Segments[0]
	require.NoError(t, c.Close())

	path := segment.Path(dir, seg.ID)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(dir, Schema{Dimension: 4})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenRemovesLeftovers(t *testing.T) {
	dir := t.TempDir()
	c := openTest(t, dir)
	require.NoError(t, c.Close())

	orphan := segment.Dir(dir, 99)
	require.NoError(t, os.MkdirAll(orphan, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, segment.FileName+".tmp"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tombstones.tmp"), []byte("x"), 0644))

	openTest(t, dir)
	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "tombstones.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentAddQuery(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, t.TempDir(), WithMemTableSize(recordsOf(16)), WithSyncMode(SyncBuffered))

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	ids := make(chan uint64, writers*perWriter)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := testutil.NewRNG(int64(w))
			for range perWriter {
				v := make([]float32, 4)
				rng.FillUniform(v)
				id, err := c.Add(ctx, v, nil)
				if !assert.NoError(t, err) {
					return
				}
				ids <- id
			}
		}()
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := c.Query(ctx, axes[0], 5)
			if err != nil {
				assert.ErrorIs(t, err, ErrEmptyIndex)
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers*perWriter)

	require.NoError(t, c.Flush(ctx))
	for id := range seen {
		_, err := c.Get(ctx, id)
		require.NoError(t, err)
	}
}

func TestMmapBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openTest(t, dir, WithIOBackend(IOMmap), WithCompression(CompressionZSTD))

	for _, v := range axes {
		_, err := c.Add(ctx, v, nil)
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	c = openTest(t, dir, WithIOBackend(IOMmap))
	res, err := c.Query(ctx, axes[3], 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res[0].ID)
}
