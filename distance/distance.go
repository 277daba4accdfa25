package distance

import (
	"fmt"

	"github.com/viterin/vek/vek32"
)

// Euclidean returns the L2 distance between two vectors: the square root of
// the summed squared differences of paired elements.
// Assumes vectors are the same length (caller's responsibility).
func Euclidean(a, b []float32) float32 {
	return vek32.Distance(a, b)
}

// Metric identifies the distance metric of an index. Its value is persisted
// in serialized indexes, so existing values must never be renumbered.
type Metric uint8

const (
	MetricEuclidean Metric = iota + 1
)

func (m Metric) String() string {
	switch m {
	case MetricEuclidean:
		return "Euclidean"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Func is a function type for distance calculation.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricEuclidean:
		return Euclidean, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
