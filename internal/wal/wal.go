package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/szuwgh/vectorbase/internal/fs"
)

// SyncMode controls the durability guarantees of the WAL.
type SyncMode int

const (
	// SyncAlways calls fsync after every append. Slow but safe.
	SyncAlways SyncMode = iota
	// SyncBuffered relies on the OS page cache and flushes on Sync or Close.
	SyncBuffered
)

func (m SyncMode) String() string {
	switch m {
	case SyncAlways:
		return "always"
	case SyncBuffered:
		return "buffered"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// Backend selects how bytes reach the log file.
type Backend int

const (
	// BackendFile writes through a buffered file handle.
	BackendFile Backend = iota
	// BackendMmap copies into a memory-mapped, preallocated file.
	BackendMmap
)

func (b Backend) String() string {
	switch b {
	case BackendFile:
		return "file"
	case BackendMmap:
		return "mmap"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// Options configures a WAL.
type Options struct {
	Sync    SyncMode
	Backend Backend
	FS      fs.FileSystem
}

// DefaultOptions returns synchronous, file-backed options.
func DefaultOptions() Options {
	return Options{Sync: SyncAlways, Backend: BackendFile, FS: fs.Default}
}

// sink is where framed bytes go.
type sink interface {
	Write(p []byte) error
	Flush() error
	Sync() error
	// Close releases the sink, leaving exactly size bytes in the file.
	Close(size int64) error
}

// WAL is an append-only, block-framed log for one memtable generation.
// It is safe for concurrent use.
type WAL struct {
	mu       sync.Mutex
	path     string
	opts     Options
	dst      sink
	size     int64
	blockOff int
	buf      []byte
	closed   bool
	err      error // sticky: framing is unknown after a failed write
}

// Open opens or creates the log at path. Existing records are passed to
// replay in order (the slice is only valid during the call); a torn tail is
// truncated away and appends continue after the last complete record.
func Open(path string, opts Options, replay func(rec []byte) error) (*WAL, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}

	end, err := Replay(opts.FS, path, replay)
	if err != nil {
		return nil, err
	}

	if exists, err := fs.Exists(opts.FS, path); err != nil {
		return nil, err
	} else if exists {
		if err := opts.FS.Truncate(path, end); err != nil {
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	var dst sink
	switch opts.Backend {
	case BackendFile:
		dst, err = openFileSink(opts.FS, path, end)
	case BackendMmap:
		dst, err = openMmapSink(opts.FS, path, end)
	default:
		err = fmt.Errorf("wal: unknown backend %v", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	return &WAL{
		path:     path,
		opts:     opts,
		dst:      dst,
		size:     end,
		blockOff: int(end % BlockSize),
	}, nil
}

// Replay reads the log at path and calls fn for each complete record. A
// missing file replays nothing. It returns the offset just past the last
// complete record.
func Replay(fsys fs.FileSystem, path string, fn func(rec []byte) error) (int64, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	return scan(data, fn)
}

// Path returns the file path of the log.
func (w *WAL) Path() string {
	return w.path
}

// Size returns the number of bytes appended, including framing.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Append frames rec into the log and returns the offset at which it starts.
// In SyncAlways mode the record is on stable storage when Append returns.
func (w *WAL) Append(rec []byte) (int64, error) {
	if len(rec) > MaxRecordSize {
		return 0, ErrRecordTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	start := w.size
	var blockOff int
	w.buf, blockOff = frame(w.buf[:0], rec, w.blockOff)

	if err := w.dst.Write(w.buf); err != nil {
		w.err = fmt.Errorf("wal: append: %w", err)
		return 0, w.err
	}
	w.size += int64(len(w.buf))
	w.blockOff = blockOff

	if w.opts.Sync == SyncAlways {
		if err := w.dst.Sync(); err != nil {
			w.err = fmt.Errorf("wal: sync: %w", err)
			return 0, w.err
		}
	}
	return start, nil
}

// Sync commits all appended records to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.dst.Sync()
}

// Close flushes and closes the log. Closing twice returns ErrClosed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	w.closed = true

	return w.dst.Close(w.size)
}
