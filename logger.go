package vectorbase

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with vectorbase-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithCollection adds the collection name to the logger.
func (l *Logger) WithCollection(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("collection", name),
	}
}

// LogAdd logs an add operation.
func (l *Logger) LogAdd(ctx context.Context, id uint64, dimension int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add failed",
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "add completed",
			"id", id,
			"dimension", dimension,
		)
	}
}

// LogQuery logs a query operation.
func (l *Logger) LogQuery(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogRecovery logs the replay of a WAL on open.
func (l *Logger) LogRecovery(ctx context.Context, path string, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL recovery failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "WAL recovery completed",
			"path", path,
			"entries_replayed", entriesReplayed,
		)
	}
}

// LogFlush logs the flush of the immutable memtable into a level-0 segment.
func (l *Logger) LogFlush(ctx context.Context, segmentID uint64, docs int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"segment_id", segmentID,
			"docs", docs,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "flush completed",
			"segment_id", segmentID,
			"level", 0,
			"docs", docs,
			"duration", d,
		)
	}
}

// LogCompaction logs one table compaction cycle.
func (l *Logger) LogCompaction(ctx context.Context, segmentID uint64, level, inputs int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"segment_id", segmentID,
			"level", level,
			"inputs", inputs,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"segment_id", segmentID,
			"level", level,
			"inputs", inputs,
			"duration", d,
		)
	}
}
