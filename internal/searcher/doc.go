// Package searcher provides the value-based heaps used by graph search.
//
// A min heap orders the frontier of unexplored candidates; a bounded max heap
// keeps the ef best results found so far with the worst one on top.
package searcher
