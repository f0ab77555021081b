// Package partition holds the reconciled in-memory representation of one
// partition: its tombstone, static row, clustering rows and range tombstones,
// together with the merge, compaction and diff algorithms over them.
//
// Merging is commutative and associative as long as both operands use the
// same schema. Applying data written under a different schema first projects
// it onto the target schema, dropping columns the target does not know; that
// projection is deliberately lossy, so cross-schema merges do not commute.
package partition

import "github.com/zmyer/scylla-sub000/pkg/types"

// Tombstone marks a deletion. It covers any cell or row marker whose write
// timestamp is less than or equal to its own; ties go to the tombstone.
type Tombstone struct {
	// Timestamp orders the deletion against writes.
	Timestamp types.Timestamp
	// DeletedAt is the wall-clock deletion time used for garbage collection.
	DeletedAt types.DeletionTime
}

// NoTombstone returns the neutral element of tombstone merging.
func NoTombstone() Tombstone {
	return Tombstone{Timestamp: types.NoTimestamp, DeletedAt: types.NoDeletionTime}
}

// IsNone reports whether t represents no deletion at all.
func (t Tombstone) IsNone() bool { return t.Timestamp == types.NoTimestamp }

// Apply keeps the tombstone with the larger timestamp.
func (t *Tombstone) Apply(o Tombstone) {
	if o.Supersedes(*t) {
		*t = o
	}
}

// Supersedes reports whether t wins a merge against o, in the order Apply
// uses: timestamp first, deletion time as the tie break.
func (t Tombstone) Supersedes(o Tombstone) bool {
	return t.Timestamp > o.Timestamp ||
		(t.Timestamp == o.Timestamp && t.DeletedAt > o.DeletedAt)
}

// Covers reports whether data written at ts is shadowed by t.
func (t Tombstone) Covers(ts types.Timestamp) bool {
	return !t.IsNone() && ts <= t.Timestamp
}

// maxTombstone merges two tombstones without mutating either.
func maxTombstone(a, b Tombstone) Tombstone {
	t := a
	t.Apply(b)
	return t
}
