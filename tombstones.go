package vectorbase

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/szuwgh/vectorbase/internal/fs"
)

// loadTombstones reads the delete mask at path. A missing file is an empty
// mask.
func loadTombstones(fsys fs.FileSystem, path string) (*roaring64.Bitmap, error) {
	data, err := fs.ReadFile(fsys, path)
	if os.IsNotExist(err) {
		return roaring64.New(), nil
	}
	if err != nil {
		return nil, err
	}

	bm := roaring64.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: tombstones: %v", ErrCorrupt, err)
	}
	return bm, nil
}

// saveTombstones atomically replaces the delete mask at path.
func saveTombstones(fsys fs.FileSystem, path string, bm *roaring64.Bitmap) error {
	data, err := bm.MarshalBinary()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fsys.Rename(tmp, path)
	}
	if err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("tombstones: %w", err)
	}
	return fs.SyncDir(fsys, filepath.Dir(path))
}
