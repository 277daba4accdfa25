// Package distance provides vector distance calculations.
//
// Kernels are backed by github.com/viterin/vek, which dispatches to SIMD
// implementations when the CPU supports them.
//
// # Supported Metrics
//
//   - MetricEuclidean: L2 distance (sqrt of summed squared differences)
//
// Index code takes a Func obtained from Provider, so adding a metric does not
// touch graph logic.
//
// # Usage
//
//	fn, _ := distance.Provider(distance.MetricEuclidean)
//	d := fn(a, b)
package distance
