package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/szuwgh/vectorbase/internal/fs"
)

type fileSink struct {
	f  fs.File
	bw *bufio.Writer
}

func openFileSink(fsys fs.FileSystem, path string, end int64) (*fileSink, error) {
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &fileSink{f: f, bw: bufio.NewWriterSize(f, BlockSize)}, nil
}

func (s *fileSink) Write(p []byte) error {
	_, err := s.bw.Write(p)
	return err
}

func (s *fileSink) Flush() error {
	return s.bw.Flush()
}

func (s *fileSink) Sync() error {
	if err := s.bw.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *fileSink) Close(int64) error {
	if err := s.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
