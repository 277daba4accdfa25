package vectorbase

import (
	"errors"
	"fmt"

	"github.com/szuwgh/vectorbase/index"
	"github.com/szuwgh/vectorbase/internal/engine"
	"github.com/szuwgh/vectorbase/internal/hnsw"
	"github.com/szuwgh/vectorbase/internal/manifest"
	"github.com/szuwgh/vectorbase/internal/segment"
	"github.com/szuwgh/vectorbase/internal/wal"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed collection.
	ErrClosed = errors.New("collection closed")

	// ErrInvalidArgument is returned for malformed input such as a
	// non-positive k or an empty vector.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a document does not exist or was deleted.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when persisted data fails verification.
	ErrCorrupt = errors.New("data corrupted")

	// ErrDegraded is returned by writes after a background flush failed.
	// Reads keep working.
	ErrDegraded = errors.New("collection degraded")

	// ErrEmptyIndex is returned by index operations that need at least one
	// vector.
	ErrEmptyIndex = errors.New("index is empty")

	// ErrLocked is returned by Open when another process holds the
	// collection directory.
	ErrLocked = errors.New("collection locked by another process")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError maps internal errors onto the public error surface while
// keeping the original reachable through errors.Is/As.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt),
		errors.Is(err, ErrDegraded), errors.Is(err, ErrEmptyIndex),
		errors.Is(err, ErrLocked):
		return err
	case errors.Is(err, hnsw.ErrEmptyIndex):
		return fmt.Errorf("%w: %w", ErrEmptyIndex, err)
	case errors.Is(err, hnsw.ErrInvalidK), errors.Is(err, hnsw.ErrEmptyVector):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, engine.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, hnsw.ErrCorruptIndex),
		errors.Is(err, index.ErrUnknownKind),
		errors.Is(err, index.ErrTruncated),
		errors.Is(err, engine.ErrCorruptRecord),
		errors.Is(err, wal.ErrCorrupt),
		errors.Is(err, segment.ErrBadMagic),
		errors.Is(err, segment.ErrUnsupportedVersion),
		errors.Is(err, segment.ErrChecksumMismatch),
		errors.Is(err, segment.ErrTruncated),
		errors.Is(err, segment.ErrCorrupt),
		errors.Is(err, manifest.ErrCorrupt),
		errors.Is(err, manifest.ErrIncompatibleVersion):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return err
}
