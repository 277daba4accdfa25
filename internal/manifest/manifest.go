// Package manifest records which segments make up a collection.
//
// A segment directory that is not listed in the current manifest is an
// orphan of an interrupted flush or compaction and is removed on open.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/szuwgh/vectorbase/internal/fs"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	CurrentVersion   = 1
)

var (
	// ErrIncompatibleVersion is returned when the manifest version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")

	// ErrCorrupt is returned when CURRENT or the manifest it names cannot be parsed.
	ErrCorrupt = errors.New("manifest corrupt")
)

// Manifest describes the segment set of a collection at one point in time.
type Manifest struct {
	Version       int    `json:"version"`
	ID            uint64 `json:"id"`
	NextSegmentID uint64 `json:"next_segment_id"`
	// MaxDocID is the largest document id ever written to a segment. Ids
	// dropped by compaction are never handed out again.
	MaxDocID uint64        `json:"max_doc_id"`
	Segments []SegmentInfo `json:"segments"`
}

// SegmentInfo describes a single segment.
type SegmentInfo struct {
	ID       uint64 `json:"id"`
	Level    int    `json:"level"`
	DocCount uint64 `json:"doc_count"`
	Size     int64  `json:"size"`
}

// Contains reports whether segment id is listed.
func (m *Manifest) Contains(id uint64) bool {
	for _, s := range m.Segments {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Store manages the manifest file and atomic updates.
type Store struct {
	fs  fs.FileSystem
	dir string
	mu  sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(fsys fs.FileSystem, dir string) *Store {
	if fsys == nil {
		fsys = fs.Default
	}
	return &Store{
		fs:  fsys,
		dir: dir,
	}
}

// Load loads the current manifest. A directory without one yields an empty
// manifest whose segment ids start at 1.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := fs.ReadFile(s.fs, filepath.Join(s.dir, CurrentFileName))
	if os.IsNotExist(err) {
		return &Manifest{Version: CurrentVersion, NextSegmentID: 1}, nil
	}
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(string(content))
	if !strings.HasPrefix(name, ManifestFileName) {
		return nil, fmt.Errorf("%w: bad CURRENT pointer %q", ErrCorrupt, name)
	}
	data, err := fs.ReadFile(s.fs, filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d (expected %d)", ErrIncompatibleVersion, m.Version, CurrentVersion)
	}
	if m.NextSegmentID == 0 {
		m.NextSegmentID = 1
	}
	return &m, nil
}

// Save atomically replaces the current manifest with m and bumps m.ID. The
// previous manifest file is removed once CURRENT points at the new one.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	filename := fileName(m.ID)
	if err := s.writeAtomic(filename, data); err != nil {
		return err
	}
	if err := s.writeAtomic(CurrentFileName, []byte(filename)); err != nil {
		return err
	}

	if m.ID > 1 {
		_ = s.fs.Remove(filepath.Join(s.dir, fileName(m.ID-1)))
	}
	return nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
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
		err = s.fs.Rename(tmp, path)
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("manifest: write %s: %w", name, err)
	}
	return fs.SyncDir(s.fs, s.dir)
}

func fileName(id uint64) string {
	return fmt.Sprintf("%s-%06d.json", ManifestFileName, id)
}
