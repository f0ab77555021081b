package partition

import (
	"bytes"

	"github.com/zmyer/scylla-sub000/pkg/types"
)

// Cell is one atomic column value: live, expiring, or a cell tombstone.
type Cell struct {
	Timestamp types.Timestamp
	Value     []byte
	TTL       types.TTL
	// Expiry is the expiry time of an expiring cell, or the deletion time of
	// a dead cell.
	Expiry types.DeletionTime
	Dead   bool
}

// LiveCell returns a non-expiring live cell.
func LiveCell(ts types.Timestamp, value []byte) Cell {
	return Cell{Timestamp: ts, Value: value, Expiry: types.NoDeletionTime}
}

// ExpiringCell returns a live cell that expires at the given time.
func ExpiringCell(ts types.Timestamp, value []byte, ttl types.TTL, expiry types.DeletionTime) Cell {
	return Cell{Timestamp: ts, Value: value, TTL: ttl, Expiry: expiry}
}

// DeadCell returns a cell tombstone.
func DeadCell(ts types.Timestamp, deletedAt types.DeletionTime) Cell {
	return Cell{Timestamp: ts, Expiry: deletedAt, Dead: true}
}

// IsLive reports whether the cell carries live data at the given time under
// the given covering tombstone.
func (c Cell) IsLive(t Tombstone, now types.DeletionTime) bool {
	if c.Dead || t.Covers(c.Timestamp) {
		return false
	}
	return c.TTL == 0 || now < c.Expiry
}

// compareCells orders two cells by merge priority: last writer wins by
// timestamp, value bytes break the tie, a cell tombstone beats live data at
// the same rank, and the later expiry wins last.
func compareCells(a, b Cell) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(a.Value, b.Value); c != 0 {
		return c
	}
	if a.Dead != b.Dead {
		if a.Dead {
			return 1
		}
		return -1
	}
	return compareDeletion(a.Expiry, b.Expiry)
}

// Apply keeps the winning cell.
func (c *Cell) Apply(o Cell) {
	if compareCells(o, *c) > 0 {
		*c = o
	}
}

// Equal reports structural equality.
func (c Cell) Equal(o Cell) bool {
	return c.Timestamp == o.Timestamp && c.TTL == o.TTL && c.Expiry == o.Expiry &&
		c.Dead == o.Dead && bytes.Equal(c.Value, o.Value)
}

// CollectionEntry is one keyed element of a collection cell.
type CollectionEntry struct {
	Path []byte
	Cell Cell
}

// CollectionCell is the value of a set or map column: a complex deletion
// tombstone plus individually merged entries sorted by path.
type CollectionCell struct {
	Tomb    Tombstone
	Entries []CollectionEntry
}

// NewCollectionCell returns an empty collection cell.
func NewCollectionCell() *CollectionCell {
	return &CollectionCell{Tomb: NoTombstone()}
}

func (cc *CollectionCell) find(path []byte) (int, bool) {
	lo, hi := 0, len(cc.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch c := bytes.Compare(cc.Entries[mid].Path, path); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// Set merges one entry into the collection.
func (cc *CollectionCell) Set(path []byte, c Cell) {
	i, ok := cc.find(path)
	if ok {
		cc.Entries[i].Cell.Apply(c)
		return
	}
	cc.Entries = append(cc.Entries, CollectionEntry{})
	copy(cc.Entries[i+1:], cc.Entries[i:])
	cc.Entries[i] = CollectionEntry{Path: append([]byte(nil), path...), Cell: c}
}

// Get returns the entry stored under path.
func (cc *CollectionCell) Get(path []byte) (Cell, bool) {
	if i, ok := cc.find(path); ok {
		return cc.Entries[i].Cell, true
	}
	return Cell{}, false
}

// Apply merges another collection cell entry by entry.
func (cc *CollectionCell) Apply(o *CollectionCell) {
	cc.Tomb.Apply(o.Tomb)
	for _, e := range o.Entries {
		cc.Set(e.Path, e.Cell)
	}
}

// Difference returns the entries of cc that win against o, or nil when
// nothing does. Diffing is per entry, not whole-cell.
func (cc *CollectionCell) Difference(o *CollectionCell) *CollectionCell {
	var d *CollectionCell
	emit := func() *CollectionCell {
		if d == nil {
			d = NewCollectionCell()
		}
		return d
	}
	if cc.Tomb.Supersedes(o.Tomb) {
		emit().Tomb = cc.Tomb
	}
	for _, e := range cc.Entries {
		oc, ok := o.Get(e.Path)
		if !ok || compareCells(e.Cell, oc) > 0 {
			emit().Set(e.Path, e.Cell)
		}
	}
	return d
}

// Clone returns a deep copy.
func (cc *CollectionCell) Clone() *CollectionCell {
	out := &CollectionCell{Tomb: cc.Tomb, Entries: make([]CollectionEntry, len(cc.Entries))}
	for i, e := range cc.Entries {
		out.Entries[i] = CollectionEntry{
			Path: append([]byte(nil), e.Path...),
			Cell: e.Cell,
		}
	}
	return out
}

// Equal reports structural equality.
func (cc *CollectionCell) Equal(o *CollectionCell) bool {
	if cc.Tomb != o.Tomb || len(cc.Entries) != len(o.Entries) {
		return false
	}
	for i := range cc.Entries {
		if !bytes.Equal(cc.Entries[i].Path, o.Entries[i].Path) ||
			!cc.Entries[i].Cell.Equal(o.Entries[i].Cell) {
			return false
		}
	}
	return true
}

// purge drops dead and shadowed entries per the given tombstone and time.
// Returns whether anything live remains.
func (cc *CollectionCell) purge(t Tombstone, now types.DeletionTime) bool {
	eff := maxTombstone(t, cc.Tomb)
	kept := cc.Entries[:0]
	for _, e := range cc.Entries {
		if e.Cell.IsLive(eff, now) {
			kept = append(kept, e)
		}
	}
	cc.Entries = kept
	return len(cc.Entries) > 0
}

// ColumnValue is the closed variant stored under one column: either an
// atomic cell or a collection cell.
type ColumnValue struct {
	Atomic     Cell
	Collection *CollectionCell
}

// AtomicValue wraps a cell.
func AtomicValue(c Cell) ColumnValue { return ColumnValue{Atomic: c} }

// CollectionValue wraps a collection cell.
func CollectionValue(cc *CollectionCell) ColumnValue { return ColumnValue{Collection: cc} }

// IsCollection reports which variant is held.
func (v ColumnValue) IsCollection() bool { return v.Collection != nil }

// Apply merges another value of the same variant. Merging mismatched
// variants keeps the collection one; schemas prevent this from happening on
// any schema-checked path.
func (v *ColumnValue) Apply(o ColumnValue) {
	switch {
	case v.IsCollection() && o.IsCollection():
		v.Collection.Apply(o.Collection)
	case o.IsCollection():
		*v = ColumnValue{Collection: o.Collection.Clone()}
	case v.IsCollection():
		// keep the collection
	default:
		v.Atomic.Apply(o.Atomic)
	}
}

// Clone returns a deep copy.
func (v ColumnValue) Clone() ColumnValue {
	if v.IsCollection() {
		return ColumnValue{Collection: v.Collection.Clone()}
	}
	c := v.Atomic
	c.Value = append([]byte(nil), c.Value...)
	return ColumnValue{Atomic: c}
}

// Equal reports structural equality.
func (v ColumnValue) Equal(o ColumnValue) bool {
	if v.IsCollection() != o.IsCollection() {
		return false
	}
	if v.IsCollection() {
		return v.Collection.Equal(o.Collection)
	}
	return v.Atomic.Equal(o.Atomic)
}

// memSize is a rough accounting size in bytes.
func (v ColumnValue) memSize() int64 {
	if v.IsCollection() {
		n := int64(48)
		for _, e := range v.Collection.Entries {
			n += int64(len(e.Path)) + int64(len(e.Cell.Value)) + 48
		}
		return n
	}
	return int64(len(v.Atomic.Value)) + 48
}
