// Package fs is the filesystem seam of the storage layer.
//
// WAL files, segment files, the manifest and the tombstone file are all
// written through a [FileSystem]. Production code uses [Default]; tests
// swap in a [FaultyFS] to make selected files fail:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("segment.vb.tmp", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//
// Rules match by substring of the path, so one rule can target every
// temporary segment file of a collection.
//
// [Lock] takes the advisory lock that keeps a second process from opening
// the same collection directory.
package fs
