// Package compaction implements the leveled compaction policy of a
// collection.
//
// Every level has a file-count threshold and a merge width. The Planner scans
// one level at a time: when the number of segments at the scan level exceeds
// its threshold, the smallest segments (up to the merge width) are merged into
// one segment at the next level, and the scan moves on round-robin. When the
// scan level is within its threshold the scan restarts at level 0.
//
// The default policy uses thresholds [2,2,2,2,1] and widths [2,2,2,2,2].
package compaction
