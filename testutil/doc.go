// Package testutil provides testing utilities for vectorbase.
//
// This package is intended for use in tests only. It provides helpers for
// generating random vectors, computing exact nearest neighbors, and
// verifying search recall.
//
//	rng := testutil.NewRNG(seed)
//	data := rng.UniformVectors(1000, 16)
//	truth := testutil.BruteForceSearch(data, 1, query, 10)
//	recall := testutil.ComputeRecall(truth, approx)
package testutil
