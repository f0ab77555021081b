// Package reader defines the narrow interfaces between the in-memory data
// path and whatever durable layer sits below it: a pull-based stream of
// partitions in key order, a source constructor, and a probabilistic presence
// check used by the cache reconciliation protocol.
package reader

import (
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/schema"
)

// KeyRange selects partitions by decorated key. A nil bound is unbounded on
// that side; both bounds are inclusive.
type KeyRange struct {
	Start *schema.DecoratedKey
	End   *schema.DecoratedKey
}

// FullKeyRange selects every partition.
func FullKeyRange() KeyRange { return KeyRange{} }

// SingleKey selects exactly one partition.
func SingleKey(key schema.DecoratedKey) KeyRange {
	return KeyRange{Start: &key, End: &key}
}

// IsSingular reports whether the range selects at most one key.
func (r KeyRange) IsSingular() bool {
	return r.Start != nil && r.End != nil && schema.CompareKeys(*r.Start, *r.End) == 0
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key schema.DecoratedKey) bool {
	if r.Start != nil && schema.CompareKeys(key, *r.Start) < 0 {
		return false
	}
	if r.End != nil && schema.CompareKeys(key, *r.End) > 0 {
		return false
	}
	return true
}

// ClusteringSlice restricts a read to clustering row ranges. An empty slice
// selects the whole partition.
type ClusteringSlice struct {
	Ranges   []schema.RowRange
	Reversed bool
	RowLimit int
}

// FullSlice selects every row.
func FullSlice() ClusteringSlice { return ClusteringSlice{} }

// PartitionReader streams mutations in decorated-key order. Next returns
// (nil, nil) once the stream is exhausted.
type PartitionReader interface {
	// Next produces the next partition, or (nil, nil) at end of stream.
	Next() (*partition.Mutation, error)
	// FastForwardTo abandons the remainder of the current range and
	// repositions the stream at the start of r. Only forward jumps are legal.
	FastForwardTo(r KeyRange) error
	// Close releases resources held by the reader.
	Close() error
}

// MutationSource constructs a reader over one layer of the storage hierarchy.
type MutationSource func(s *schema.Schema, r KeyRange, slice ClusteringSlice) PartitionReader

// Presence is the answer of a partition-presence probe.
type Presence uint8

const (
	// MaybePresent means the layer may hold data for the key.
	MaybePresent Presence = iota
	// DefinitelyAbsent means the layer provably holds nothing for the key.
	DefinitelyAbsent
)

// PresenceChecker probes the durable layer for a partition key without
// reading it. False positives are allowed, false absences are not.
type PresenceChecker func(key schema.DecoratedKey) Presence
