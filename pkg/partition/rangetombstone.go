package partition

import (
	"sort"

	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

// RangeTombstone deletes every clustering row between its bounds.
type RangeTombstone struct {
	Start schema.Bound
	End   schema.Bound
	Tomb  Tombstone
}

// RangeTombstoneList keeps range tombstones sorted by start bound and
// non-overlapping. Overlapping inserts split and clamp ranges so that each
// covered segment carries the strongest tombstone; segments are never
// coalesced on insert, so comparisons and digests go through the normalized
// form instead.
type RangeTombstoneList struct {
	ranges []RangeTombstone
}

// Len returns the number of segments.
func (l *RangeTombstoneList) Len() int { return len(l.ranges) }

// Range calls f for every segment in order until f returns false.
func (l *RangeTombstoneList) Range(f func(rt RangeTombstone) bool) {
	for _, rt := range l.ranges {
		if !f(rt) {
			return
		}
	}
}

func (l *RangeTombstoneList) insertAt(i int, rt RangeTombstone) {
	l.ranges = append(l.ranges, RangeTombstone{})
	copy(l.ranges[i+1:], l.ranges[i:])
	l.ranges[i] = rt
}

// Apply merges one range tombstone into the list.
func (l *RangeTombstoneList) Apply(s *schema.Schema, rt RangeTombstone) {
	if s.CompareBounds(rt.Start, rt.End) > 0 {
		panic("partition: inverted range tombstone")
	}
	cur := rt
	for {
		// first existing segment that ends strictly after cur starts; bounds
		// meeting at the same position share no row
		i := sort.Search(len(l.ranges), func(i int) bool {
			return s.CompareBounds(l.ranges[i].End, cur.Start) > 0
		})
		if i == len(l.ranges) || s.CompareBounds(l.ranges[i].Start, cur.End) >= 0 {
			l.insertAt(i, cur)
			return
		}

		e := &l.ranges[i]
		switch c := s.CompareBounds(cur.Start, e.Start); {
		case c < 0:
			// the leading piece of cur lies before e
			l.insertAt(i, RangeTombstone{Start: cur.Start, End: e.Start.AsEnd(), Tomb: cur.Tomb})
			e = &l.ranges[i+1]
			cur.Start = e.Start
		case c > 0:
			// the leading piece of e keeps its own tombstone
			head := RangeTombstone{Start: e.Start, End: cur.Start.AsEnd(), Tomb: e.Tomb}
			e.Start = cur.Start
			l.insertAt(i, head)
			e = &l.ranges[i+1]
		}

		// cur and e now start at the same position
		switch c := s.CompareBounds(cur.End, e.End); {
		case c < 0:
			rest := RangeTombstone{Start: cur.End.AsStart(), End: e.End, Tomb: e.Tomb}
			e.End = cur.End
			e.Tomb = maxTombstone(e.Tomb, cur.Tomb)
			idx := l.indexOf(e)
			l.insertAt(idx+1, rest)
			return
		case c == 0:
			e.Tomb = maxTombstone(e.Tomb, cur.Tomb)
			return
		default:
			e.Tomb = maxTombstone(e.Tomb, cur.Tomb)
			cur.Start = e.End.AsStart()
			// continue with the remainder of cur
		}
	}
}

func (l *RangeTombstoneList) indexOf(e *RangeTombstone) int {
	for i := range l.ranges {
		if &l.ranges[i] == e {
			return i
		}
	}
	panic("partition: segment not in list")
}

// ApplyList merges another list segment by segment.
func (l *RangeTombstoneList) ApplyList(s *schema.Schema, o *RangeTombstoneList) {
	for _, rt := range o.ranges {
		l.Apply(s, rt)
	}
}

// SearchCovering returns the strongest tombstone whose range contains the
// clustering key, or the none tombstone.
func (l *RangeTombstoneList) SearchCovering(s *schema.Schema, key schema.ClusteringKey) Tombstone {
	// first segment ending after the key
	i := sort.Search(len(l.ranges), func(i int) bool {
		return s.CompareBoundToKey(l.ranges[i].End, key) > 0
	})
	if i < len(l.ranges) && s.CompareBoundToKey(l.ranges[i].Start, key) < 0 {
		return l.ranges[i].Tomb
	}
	return NoTombstone()
}

// purge drops segments whose tombstone may be garbage collected.
func (l *RangeTombstoneList) purge(canGC func(Tombstone) bool, gcBefore types.DeletionTime) {
	kept := l.ranges[:0]
	for _, rt := range l.ranges {
		if rt.Tomb.DeletedAt < gcBefore && canGC(rt.Tomb) {
			continue
		}
		kept = append(kept, rt)
	}
	l.ranges = kept
}

// normalized returns the list with position-contiguous segments of equal
// tombstones coalesced, the canonical form used for equality and digests.
func (l *RangeTombstoneList) normalized(s *schema.Schema) []RangeTombstone {
	out := make([]RangeTombstone, 0, len(l.ranges))
	for _, rt := range l.ranges {
		if n := len(out); n > 0 &&
			out[n-1].Tomb == rt.Tomb &&
			s.CompareBounds(out[n-1].End, rt.Start) == 0 {
			out[n-1].End = rt.End
			continue
		}
		out = append(out, rt)
	}
	return out
}

// Equal compares the normalized forms of two lists.
func (l *RangeTombstoneList) Equal(s *schema.Schema, o *RangeTombstoneList) bool {
	a, b := l.normalized(s), o.normalized(s)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Tomb != b[i].Tomb ||
			!boundEqual(a[i].Start, b[i].Start) ||
			!boundEqual(a[i].End, b[i].End) {
			return false
		}
	}
	return true
}

func boundEqual(a, b schema.Bound) bool {
	return a.Kind == b.Kind && a.Prefix.Equal(b.Prefix)
}

// Clone returns a deep copy.
func (l *RangeTombstoneList) Clone() RangeTombstoneList {
	out := RangeTombstoneList{ranges: make([]RangeTombstone, len(l.ranges))}
	copy(out.ranges, l.ranges)
	return out
}

// CoveredBy reports whether a stronger single segment of o spans all of rt.
func (l *RangeTombstoneList) CoveredBy(s *schema.Schema, rt RangeTombstone) bool {
	for _, e := range l.ranges {
		if !rt.Tomb.Supersedes(e.Tomb) &&
			s.CompareBounds(e.Start, rt.Start) <= 0 &&
			s.CompareBounds(e.End, rt.End) >= 0 {
			return true
		}
	}
	return false
}

// memSize is a rough accounting size in bytes.
func (l *RangeTombstoneList) memSize() int64 {
	n := int64(24)
	for _, rt := range l.ranges {
		n += 96
		for _, c := range rt.Start.Prefix.Components {
			n += int64(len(c))
		}
		for _, c := range rt.End.Prefix.Components {
			n += int64(len(c))
		}
	}
	return n
}
