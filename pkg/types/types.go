package types

import "math"

// Timestamp is a microsecond-precision write timestamp used to order
// conflicting writes and deletions.
type Timestamp int64

// NoTimestamp sorts before every real write timestamp.
const NoTimestamp Timestamp = math.MinInt64

// DeletionTime is the second-precision wall-clock time at which a deletion
// happened, used for tombstone garbage collection.
type DeletionTime int64

// NoDeletionTime marks data that is not deleted.
const NoDeletionTime DeletionTime = math.MaxInt64

// TTL is a time-to-live in seconds. Zero means the cell does not expire.
type TTL int32

// ColumnID identifies a column within a schema. IDs are unique per schema.
type ColumnID uint32

// SchemaVersion identifies one revision of a table schema.
type SchemaVersion uint64

// ReplayPosition locates a write in the commit-log address space. The
// in-memory path only tracks the high-water mark; the log itself lives
// outside this module.
type ReplayPosition struct {
	Segment uint64
	Offset  uint64
}

// Less reports whether p orders before o.
func (p ReplayPosition) Less(o ReplayPosition) bool {
	if p.Segment != o.Segment {
		return p.Segment < o.Segment
	}
	return p.Offset < o.Offset
}
