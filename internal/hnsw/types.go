package hnsw

import (
	"errors"
	"fmt"

	"github.com/szuwgh/vectorbase/distance"
)

const (
	// DefaultM is the default number of connections per upper layer.
	DefaultM = 16
	// DefaultEfConstruction is the default construction beam width.
	DefaultEfConstruction = 200
	// DefaultEfSearch is the default query beam width.
	DefaultEfSearch = 64
	// DefaultMaxLevel bounds the randomly assigned node level.
	DefaultMaxLevel = 16

	// MaxDimension is the largest supported vector dimensionality.
	MaxDimension = 2000
	// MaxM is the largest supported M. Serialized link counts are 16 bits
	// wide and layer 0 holds 2*M links.
	MaxM = 4096

	mmax0Multiplier = 2
	minimumM        = 2
)

var (
	ErrEmptyIndex     = errors.New("hnsw: index is empty")
	ErrCorruptIndex   = errors.New("hnsw: corrupt index")
	ErrEmptyVector    = errors.New("hnsw: vector cannot be empty")
	ErrInvalidK       = errors.New("hnsw: k must be positive")
	ErrDuplicateID    = errors.New("hnsw: duplicate id")
	ErrInvalidOptions = errors.New("hnsw: invalid options")
)

// ErrDimensionMismatch reports a vector whose length differs from the
// index dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Neighbor is a search hit.
type Neighbor struct {
	ID       uint64
	Distance float32
}

// Options configures an Index.
type Options struct {
	Dimension      int
	Metric         distance.Metric
	M              int
	EfConstruction int
	EfSearch       int
	MaxLevel       int

	// Seed makes level assignment reproducible.
	Seed int64

	// KeepPruned back-fills neighbor lists with candidates rejected by the
	// diversity heuristic until capacity is reached.
	KeepPruned bool
}

// DefaultOptions returns the default options for the given dimension.
func DefaultOptions(dim int) Options {
	return Options{
		Dimension:      dim,
		Metric:         distance.MetricEuclidean,
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		MaxLevel:       DefaultMaxLevel,
		Seed:           1,
	}
}

func (o *Options) validate() error {
	if o.Dimension <= 0 || o.Dimension > MaxDimension {
		return fmt.Errorf("%w: dimension %d out of range [1,%d]", ErrInvalidOptions, o.Dimension, MaxDimension)
	}
	if o.Metric == 0 {
		o.Metric = distance.MetricEuclidean
	}
	if o.M < minimumM || o.M > MaxM {
		return fmt.Errorf("%w: M %d out of range [%d,%d]", ErrInvalidOptions, o.M, minimumM, MaxM)
	}
	if o.EfConstruction <= 0 {
		o.EfConstruction = DefaultEfConstruction
	}
	if o.EfSearch <= 0 {
		o.EfSearch = DefaultEfSearch
	}
	if o.MaxLevel <= 0 {
		o.MaxLevel = DefaultMaxLevel
	}
	if o.MaxLevel > 255 {
		return fmt.Errorf("%w: max level %d exceeds 255", ErrInvalidOptions, o.MaxLevel)
	}
	return nil
}

// LevelStats summarizes one graph layer.
type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections float64
}
