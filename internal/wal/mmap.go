package wal

import (
	"fmt"
	"os"

	"github.com/go-mmap/mmap"

	"github.com/szuwgh/vectorbase/internal/fs"
)

// mmapGrowth is how much the mapped file is extended when it fills up.
const mmapGrowth = 32 * BlockSize

// mmapSink writes into a read-write mapping of a preallocated file. The
// unused zero tail reads back as padding chunks, so a crash before Close
// still replays correctly. Close truncates the file to the written size.
type mmapSink struct {
	fsys fs.FileSystem
	path string
	mf   *mmap.File
	off  int64
}

func openMmapSink(fsys fs.FileSystem, path string, end int64) (*mmapSink, error) {
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	s := &mmapSink{fsys: fsys, path: path, off: end}
	if err := s.ensureLength(end + 1); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureLength extends the file and remaps it when fewer than length bytes
// are mapped.
func (s *mmapSink) ensureLength(length int64) error {
	if s.mf != nil && int64(s.mf.Len()) >= length {
		return nil
	}

	size := (length/mmapGrowth + 1) * mmapGrowth

	if s.mf != nil {
		if err := s.mf.Close(); err != nil {
			return err
		}
		s.mf = nil
	}

	if err := s.fsys.Truncate(s.path, size); err != nil {
		return fmt.Errorf("wal: grow mapping: %w", err)
	}

	mf, err := mmap.OpenFile(s.path, mmap.Read|mmap.Write)
	if err != nil {
		return fmt.Errorf("wal: map %s: %w", s.path, err)
	}
	s.mf = mf
	return nil
}

func (s *mmapSink) Write(p []byte) error {
	if err := s.ensureLength(s.off + int64(len(p))); err != nil {
		return err
	}
	n, err := s.mf.WriteAt(p, s.off)
	s.off += int64(n)
	return err
}

func (s *mmapSink) Flush() error {
	return nil
}

func (s *mmapSink) Sync() error {
	return s.mf.Sync()
}

func (s *mmapSink) Close(size int64) error {
	if err := s.mf.Sync(); err != nil {
		s.mf.Close()
		return err
	}
	if err := s.mf.Close(); err != nil {
		return err
	}
	return s.fsys.Truncate(s.path, size)
}
