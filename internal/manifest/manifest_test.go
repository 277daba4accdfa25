package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szuwgh/vectorbase/internal/fs"
)

func TestLoadEmpty(t *testing.T) {
	s := NewStore(nil, t.TempDir())

	m, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, m.Version)
	assert.Equal(t, uint64(1), m.NextSegmentID)
	assert.Empty(t, m.Segments)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(fs.Default, dir)

	m := &Manifest{NextSegmentID: 3, MaxDocID: 14, Segments: []SegmentInfo{
		{ID: 1, Level: 0, DocCount: 5, Size: 100},
		{ID: 2, Level: 1, DocCount: 9, Size: 300},
	}}
	require.NoError(t, s.Save(m))
	assert.Equal(t, uint64(1), m.ID)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.True(t, got.Contains(2))
	assert.False(t, got.Contains(3))

	m.Segments = m.Segments[1:]
	require.NoError(t, s.Save(m))

	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ID)
	assert.Len(t, got.Segments, 1)

	_, err = os.Stat(filepath.Join(dir, "MANIFEST-000001.json"))
	assert.True(t, os.IsNotExist(err), "previous manifest should be removed")
}

func TestSaveFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	s := NewStore(ffs, dir)

	require.NoError(t, s.Save(&Manifest{NextSegmentID: 2, Segments: []SegmentInfo{{ID: 1}}}))

	ffs.AddRule("MANIFEST-000002", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	err := s.Save(&Manifest{ID: 1, NextSegmentID: 3})
	require.ErrorIs(t, err, fs.ErrInjected)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ID)
	assert.True(t, got.Contains(1))
}

func TestLoadRejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST-000001.json"), []byte(`{"version":9}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CurrentFileName), []byte("MANIFEST-000001.json"), 0644))

	_, err := NewStore(nil, dir).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestLoadRejectsBadPointer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CurrentFileName), []byte("../elsewhere"), 0644))

	_, err := NewStore(nil, dir).Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}
