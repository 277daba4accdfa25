package vectorbase

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/szuwgh/vectorbase/internal/compaction"
	"github.com/szuwgh/vectorbase/internal/fs"
	"github.com/szuwgh/vectorbase/internal/hnsw"
	"github.com/szuwgh/vectorbase/internal/segment"
	"github.com/szuwgh/vectorbase/internal/wal"
)

// DefaultMemTableSize is the byte size at which the active memtable rotates.
const DefaultMemTableSize = 64 << 20

// SyncMode controls when WAL appends are fsynced.
type SyncMode = wal.SyncMode

const (
	// SyncAlways fsyncs every append before Add returns.
	SyncAlways = wal.SyncAlways
	// SyncBuffered leaves appends in the page cache until the WAL is closed
	// or rotated.
	SyncBuffered = wal.SyncBuffered
)

// IOBackend selects how WAL bytes reach the disk.
type IOBackend = wal.Backend

const (
	// IOFile writes through a buffered file handle.
	IOFile = wal.BackendFile
	// IOMmap copies appends into a memory-mapped file.
	IOMmap = wal.BackendMmap
)

// Compression selects the codec of the vector index stored in segments.
type Compression = segment.Compression

const (
	CompressionNone = segment.CompressionNone
	CompressionLZ4  = segment.CompressionLZ4
	CompressionZSTD = segment.CompressionZSTD
)

// ParseSyncMode parses "always" or "buffered".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "", "always", "sync":
		return SyncAlways, nil
	case "buffered":
		return SyncBuffered, nil
	default:
		return 0, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidArgument, s)
	}
}

// ParseIOBackend parses "file" or "mmap".
func ParseIOBackend(s string) (IOBackend, error) {
	switch strings.ToLower(s) {
	case "", "file":
		return IOFile, nil
	case "mmap":
		return IOMmap, nil
	default:
		return 0, fmt.Errorf("%w: unknown io backend %q", ErrInvalidArgument, s)
	}
}

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	c, err := segment.ParseCompression(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return c, nil
}

type options struct {
	memTableSize      int64
	syncMode          SyncMode
	ioBackend         IOBackend
	thresholds        []int
	widths            []int
	m                 int
	efConstruction    int
	efSearch          int
	maxLevel          int
	seed              int64
	compression       Compression
	compactionIOLimit int
	metricsCollector  MetricsCollector
	logger            *Logger
	fs                fs.FileSystem
}

// Option configures Open.
type Option func(*options)

// WithMemTableSize sets the byte size of the active memtable. An add that
// would push a non-empty memtable past it rotates the memtable first.
func WithMemTableSize(bytes int64) Option {
	return func(o *options) {
		o.memTableSize = bytes
	}
}

// WithSyncMode configures WAL durability.
func WithSyncMode(mode SyncMode) Option {
	return func(o *options) {
		o.syncMode = mode
	}
}

// WithIOBackend configures how the WAL writes to disk.
func WithIOBackend(backend IOBackend) Option {
	return func(o *options) {
		o.ioBackend = backend
	}
}

// WithCompactionThresholds sets the per-level segment count above which a
// level is compacted. The length fixes the number of levels and must match
// the merge widths.
func WithCompactionThresholds(thresholds ...int) Option {
	return func(o *options) {
		o.thresholds = slices.Clone(thresholds)
	}
}

// WithMergeWidths sets the per-level maximum number of segments merged in
// one compaction.
func WithMergeWidths(widths ...int) Option {
	return func(o *options) {
		o.widths = slices.Clone(widths)
	}
}

// WithHNSW configures the graph parameters of every memtable index.
// Zero values keep the defaults.
//
// Example:
//
//	c, _ := vectorbase.Open(dir, schema, vectorbase.WithHNSW(32, 400, 128, 16))
func WithHNSW(m, efConstruction, efSearch, maxLevel int) Option {
	return func(o *options) {
		if m > 0 {
			o.m = m
		}
		if efConstruction > 0 {
			o.efConstruction = efConstruction
		}
		if efSearch > 0 {
			o.efSearch = efSearch
		}
		if maxLevel > 0 {
			o.maxLevel = maxLevel
		}
	}
}

// WithSeed seeds graph level assignment so builds are reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithCompression selects the codec of the vector index section of new
// segments.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithCompactionIOLimit throttles compaction writes to bytesPerSec.
// Zero disables throttling.
func WithCompactionIOLimit(bytesPerSec int) Option {
	return func(o *options) {
		o.compactionIOLimit = bytesPerSec
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &vectorbase.BasicMetricsCollector{}
//	c, _ := vectorbase.Open(dir, schema, vectorbase.WithMetricsCollector(metrics))
//	// ... use c ...
//	stats := metrics.GetStats()
//	fmt.Printf("Adds: %d, Avg latency: %dns\n", stats.AddCount, stats.AddAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vectorbase.NewJSONLogger(slog.LevelInfo)
//	c, _ := vectorbase.Open(dir, schema, vectorbase.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithFileSystem routes WAL, segment and manifest writes through fsys.
// It exists for fault injection in tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		memTableSize:     DefaultMemTableSize,
		syncMode:         SyncAlways,
		ioBackend:        IOFile,
		thresholds:       slices.Clone(compaction.DefaultThresholds),
		widths:           slices.Clone(compaction.DefaultWidths),
		m:                hnsw.DefaultM,
		efConstruction:   hnsw.DefaultEfConstruction,
		efSearch:         hnsw.DefaultEfSearch,
		maxLevel:         hnsw.DefaultMaxLevel,
		seed:             1,
		compression:      CompressionLZ4,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		fs:               fs.Default,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.fs == nil {
		o.fs = fs.Default
	}
	return o
}

func (o *options) validate() error {
	if o.memTableSize <= 0 {
		return fmt.Errorf("%w: memtable size %d", ErrInvalidArgument, o.memTableSize)
	}
	if o.compactionIOLimit < 0 {
		return fmt.Errorf("%w: compaction io limit %d", ErrInvalidArgument, o.compactionIOLimit)
	}
	if o.m > hnsw.MaxM {
		return fmt.Errorf("%w: hnsw M %d exceeds %d", ErrInvalidArgument, o.m, hnsw.MaxM)
	}
	return nil
}

func (o *options) hnswOptions(dim int) hnsw.Options {
	opts := hnsw.DefaultOptions(dim)
	opts.M = o.m
	opts.EfConstruction = o.efConstruction
	opts.EfSearch = o.efSearch
	opts.MaxLevel = o.maxLevel
	opts.Seed = o.seed
	return opts
}
