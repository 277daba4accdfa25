// Package hnsw implements Hierarchical Navigable Small World graphs.
//
// HNSW provides approximate nearest neighbor search with high recall and
// sub-linear query time.
//
// # Layout
//
// Nodes live in a flat arena addressed by uint32 index; neighbor lists hold
// arena indices, never pointers, so the cyclic graph carries no ownership
// cycles. Vectors are stored contiguously in a single []float32.
//
// # Parameters
//
//   - M: Max connections per node on upper layers, 2*M on layer 0 (default: 16)
//   - EfConstruction: Construction beam width (default: 200)
//   - EfSearch: Query beam width, raised to k when smaller (default: 64)
//   - MaxLevel: Upper bound for randomly drawn node levels (default: 16)
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
