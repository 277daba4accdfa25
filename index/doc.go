// Package index defines the capability contract shared by all vector index
// kinds and the tagged binary envelope used to persist them.
//
// Every serialized index starts with a one-byte Kind tag. Decode dispatches
// on the tag to the loader registered for that kind, so engines and segments
// can hold any kind behind the Index interface. Only KindHNSW exists today.
package index
