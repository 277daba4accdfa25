package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szuwgh/vectorbase/internal/fs"
	"github.com/szuwgh/vectorbase/internal/hnsw"
	"github.com/szuwgh/vectorbase/internal/wal"
	"github.com/szuwgh/vectorbase/testutil"
)

func testOptions(dim int) Options {
	return Options{
		WAL:   wal.DefaultOptions(),
		Index: hnsw.DefaultOptions(dim),
	}
}

func openEngine(t *testing.T, path string, dim int) *Engine {
	t.Helper()
	e, err := Open(path, testOptions(dim))
	require.NoError(t, err)
	return e
}

func TestAddSearchGet(t *testing.T) {
	e := openEngine(t, filepath.Join(t.TempDir(), "mem.wal"), 4)
	defer e.Close()

	_, err := e.Search([]float32{0, 0, 0, 1}, 1)
	assert.ErrorIs(t, err, hnsw.ErrEmptyIndex)

	vecs := [][]float32{{0, 0, 0, 1}, {0, 0, 1, 0}, {0, 1, 0, 0}, {1, 0, 0, 0}}
	for i, v := range vecs {
		require.NoError(t, e.Add(uint64(i+1), v, []byte{byte('a' + i)}))
	}

	res, err := e.Search([]float32{0, 0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(1), res[0].ID)
	assert.Zero(t, res[0].Distance)

	p, ok := e.Get(3)
	require.True(t, ok)
	assert.Equal(t, []byte("c"), p)
	_, ok = e.Get(99)
	assert.False(t, ok)

	assert.Equal(t, 4, e.Len())
	assert.Equal(t, uint64(4), e.MaxID())
	assert.Equal(t, 4*RecordSize(4, 1), e.Size())
	assert.True(t, e.Contains(2))
}

func TestAddValidatesBeforeLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.wal")
	e := openEngine(t, path, 3)

	err := e.Add(1, []float32{1, 2}, nil)
	var dimErr *hnsw.ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Actual)

	require.NoError(t, e.Add(1, []float32{1, 2, 3}, nil))
	assert.ErrorIs(t, e.Add(1, []float32{1, 2, 3}, nil), hnsw.ErrDuplicateID)
	require.NoError(t, e.Close())

	// Only the valid add is in the log.
	e = openEngine(t, path, 3)
	defer e.Close()
	assert.Equal(t, 1, e.Len())
}

func TestReopenReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.wal")
	data := testutil.NewRNG(3).UniformVectors(50, 8)

	e := openEngine(t, path, 8)
	for i, v := range data {
		require.NoError(t, e.Add(uint64(i+10), v, []byte{byte(i)}))
	}
	want := e.Documents()
	require.NoError(t, e.Close())

	e = openEngine(t, path, 8)
	defer e.Close()

	assert.Equal(t, 50, e.Len())
	assert.Equal(t, uint64(59), e.MaxID())
	assert.Equal(t, want, e.Documents())

	res, err := e.Search(data[7], 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(17), res[0].ID)
}

func TestReplayRejectsCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.wal")
	w, err := wal.Open(path, wal.DefaultOptions(), nil)
	require.NoError(t, err)
	_, err = w.Append([]byte{9, 9, 9})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Open(path, testOptions(2))
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestDocumentsSorted(t *testing.T) {
	e := openEngine(t, filepath.Join(t.TempDir(), "mem.wal"), 2)
	defer e.Close()

	for _, id := range []uint64{5, 2, 9, 1} {
		require.NoError(t, e.Add(id, []float32{float32(id), 0}, nil))
	}

	docs := e.Documents()
	require.Len(t, docs, 4)
	for i, want := range []uint64{1, 2, 5, 9} {
		assert.Equal(t, want, docs[i].ID)
		assert.Equal(t, []float32{float32(want), 0}, docs[i].Vector)
	}
}

func TestFreezeRenamesAndRemove(t *testing.T) {
	dir := t.TempDir()
	mem := filepath.Join(dir, "mem.wal")
	imm := filepath.Join(dir, "imm.wal")

	e := openEngine(t, mem, 2)
	require.NoError(t, e.Add(1, []float32{1, 1}, []byte("x")))
	require.NoError(t, e.Freeze(imm))

	assert.True(t, e.Frozen())
	assert.Equal(t, imm, e.Path())
	assert.ErrorIs(t, e.Add(2, []float32{2, 2}, nil), ErrFrozen)
	assert.ErrorIs(t, e.Freeze(imm), ErrFrozen)

	_, err := os.Stat(mem)
	assert.True(t, os.IsNotExist(err))

	// Frozen engines stay searchable.
	res, err := e.Search([]float32{1, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res[0].ID)

	// The renamed log replays into a new engine.
	replayed := openEngine(t, imm, 2)
	assert.Equal(t, 1, replayed.Len())
	require.NoError(t, replayed.Close())

	require.NoError(t, e.Remove())
	_, err = os.Stat(imm)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, e.Close())
}

func TestFreezeInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imm.wal")
	e := openEngine(t, path, 2)
	require.NoError(t, e.Add(1, []float32{0, 1}, nil))
	require.NoError(t, e.Freeze(path))
	assert.Equal(t, path, e.Path())

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestAddAfterWALFailure(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("mem.wal", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	opts := testOptions(2)
	opts.WAL.FS = ffs
	e, err := Open(filepath.Join(t.TempDir(), "mem.wal"), opts)
	require.NoError(t, err)
	defer e.Close()

	err = e.Add(1, []float32{1, 2}, nil)
	assert.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, 0, e.Len())
}

func TestClosedEngine(t *testing.T) {
	e := openEngine(t, filepath.Join(t.TempDir(), "mem.wal"), 2)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Add(1, []float32{1, 1}, nil), ErrClosed)
	assert.ErrorIs(t, e.Freeze("x"), ErrClosed)
}

func TestDecodeRecord(t *testing.T) {
	rec := encodeRecord(nil, 42, []float32{1.5, -2}, []byte("payload"))
	r, err := decodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), r.id)
	assert.Equal(t, []float32{1.5, -2}, r.vector)
	assert.Equal(t, []byte("payload"), r.payload)
	assert.Equal(t, int64(len(rec)), RecordSize(2, 7))

	cases := map[string][]byte{
		"Short":     rec[:5],
		"BadOp":     append([]byte{7}, rec[1:]...),
		"ShortBody": rec[:recordHeaderSize+3],
		"ZeroDims":  encodeRecord(nil, 1, nil, nil),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeRecord(b)
			assert.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}
