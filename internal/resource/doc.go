// Package resource limits the background work of a collection.
//
// A Controller hands out a fixed number of background slots (flushes and
// compactions each hold one while they run) and throttles the bytes those
// jobs write with a token bucket, so merges cannot starve foreground IO.
//
// All methods are safe on a nil *Controller and become no-ops.
package resource
