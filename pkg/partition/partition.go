package partition

import (
	"fmt"

	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/skiplist"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

// Alloc accounts memory growth during structural operations. A nil Alloc
// disables accounting. Implemented by *arena.Arena.
type Alloc interface {
	Reserve(n int64) error
}

func reserve(a Alloc, n int64) error {
	if a == nil {
		return nil
	}
	return a.Reserve(n)
}

// DeletableRow is everything stored under one clustering key: the row's own
// tombstone, its marker, and its cells.
type DeletableRow struct {
	Tomb   Tombstone
	Marker RowMarker
	Cells  Row
}

// NewDeletableRow returns an empty row.
func NewDeletableRow() *DeletableRow {
	return &DeletableRow{Tomb: NoTombstone()}
}

// Empty reports whether nothing at all is stored under the clustering key.
func (d *DeletableRow) Empty() bool {
	return d.Tomb.IsNone() && d.Marker.IsMissing() && d.Cells.Empty()
}

// Clone returns a deep copy.
func (d *DeletableRow) Clone() *DeletableRow {
	return &DeletableRow{Tomb: d.Tomb, Marker: d.Marker, Cells: d.Cells.Clone()}
}

// Equal reports structural equality.
func (d *DeletableRow) Equal(o *DeletableRow) bool {
	return d.Tomb == o.Tomb && d.Marker.Equal(o.Marker) && d.Cells.Equal(&o.Cells)
}

func (d *DeletableRow) memSize() int64 {
	return 64 + d.Cells.memSize()
}

// MutationPartition is the reconciled representation of one partition:
// partition tombstone, static row, clustering rows in clustering order, and
// range tombstones. Clustered rows live in an ordered container whose
// comparator comes from the schema and is stored once, not per row.
type MutationPartition struct {
	tomb   Tombstone
	static Row
	rows   *skiplist.List[schema.ClusteringKey, *DeletableRow]
	rts    RangeTombstoneList
}

// New returns an empty partition ordered by s's clustering comparator.
func New(s *schema.Schema) *MutationPartition {
	return &MutationPartition{
		tomb: NoTombstone(),
		rows: skiplist.New[schema.ClusteringKey, *DeletableRow](s.CompareClustering),
	}
}

// Tombstone returns the partition tombstone.
func (p *MutationPartition) Tombstone() Tombstone { return p.tomb }

// ApplyTombstone merges a partition deletion.
func (p *MutationPartition) ApplyTombstone(t Tombstone) { p.tomb.Apply(t) }

// StaticRow gives access to the partition's static row.
func (p *MutationPartition) StaticRow() *Row { return &p.static }

// ApplyRangeTombstone merges one range deletion.
func (p *MutationPartition) ApplyRangeTombstone(s *schema.Schema, rt RangeTombstone) {
	p.rts.Apply(s, rt)
}

// RangeTombstones gives access to the partition's range tombstone list.
func (p *MutationPartition) RangeTombstones() *RangeTombstoneList { return &p.rts }

// ClusteredRow returns the row stored under key, creating it when absent.
func (p *MutationPartition) ClusteredRow(s *schema.Schema, key schema.ClusteringKey) *DeletableRow {
	if d, ok := p.rows.Load(key); ok {
		return d
	}
	d := NewDeletableRow()
	p.rows.Store(key, d)
	return d
}

// FindRow returns the row stored under key, if any.
func (p *MutationPartition) FindRow(key schema.ClusteringKey) (*DeletableRow, bool) {
	return p.rows.Load(key)
}

// RowCount returns the number of clustering entries, including ones that
// only carry tombstones.
func (p *MutationPartition) RowCount() int { return p.rows.Len() }

// RangeRows calls f for every clustering entry in order until f returns
// false.
func (p *MutationPartition) RangeRows(f func(key schema.ClusteringKey, d *DeletableRow) bool) {
	p.rows.Range(f)
}

// RetainRows drops every clustered row that falls outside all of the given
// ranges. An empty range list keeps everything.
func (p *MutationPartition) RetainRows(s *schema.Schema, ranges []schema.RowRange) {
	if len(ranges) == 0 {
		return
	}
	var drop []schema.ClusteringKey
	p.rows.Range(func(key schema.ClusteringKey, _ *DeletableRow) bool {
		for _, r := range ranges {
			if s.RangeContainsKey(r, key) {
				return true
			}
		}
		drop = append(drop, key)
		return true
	})
	for _, key := range drop {
		p.rows.Delete(key)
	}
}

// Empty reports whether the partition carries no data and no deletions.
func (p *MutationPartition) Empty() bool {
	return p.tomb.IsNone() && p.static.Empty() && p.rows.Len() == 0 && p.rts.Len() == 0
}

// Apply merges other, written under otherSchema, into p, written under s.
//
// When the schemas differ, other is first projected onto s and columns the
// target schema does not know are dropped; that path is lossy and therefore
// not commutative. Under a single schema the merge is commutative and
// associative.
//
// On allocation failure the merge stops with dberrors.ErrAllocation wrapped
// in the return. Both operands remain structurally valid and, because every
// per-cell and per-tombstone merge rule is idempotent, retrying the same
// Apply converges to the exact result an uninterrupted call would have
// produced.
func (p *MutationPartition) Apply(s *schema.Schema, other *MutationPartition, otherSchema *schema.Schema, alloc Alloc) error {
	if otherSchema != nil && otherSchema.Version != s.Version {
		other = other.Project(s, otherSchema)
	}

	p.tomb.Apply(other.tomb)

	if err := p.applyRowCells(&p.static, &other.static, alloc); err != nil {
		return fmt.Errorf("merge static row: %w", err)
	}

	var rtErr error
	other.rts.Range(func(rt RangeTombstone) bool {
		if rtErr = reserve(alloc, 96); rtErr != nil {
			return false
		}
		p.rts.Apply(s, rt)
		return true
	})
	if rtErr != nil {
		return fmt.Errorf("merge range tombstones: %w", rtErr)
	}

	var rowErr error
	other.rows.Range(func(key schema.ClusteringKey, od *DeletableRow) bool {
		d, ok := p.rows.Load(key)
		if !ok {
			if rowErr = reserve(alloc, od.memSize()); rowErr != nil {
				return false
			}
			p.rows.Store(key, od.Clone())
			return true
		}
		d.Tomb.Apply(od.Tomb)
		d.Marker.Apply(od.Marker)
		if rowErr = p.applyRowCells(&d.Cells, &od.Cells, alloc); rowErr != nil {
			return false
		}
		return true
	})
	if rowErr != nil {
		return fmt.Errorf("merge clustered rows: %w", rowErr)
	}
	return nil
}

// applyRowCells merges src's cells into dst one column at a time. Within a
// single row the merge is all-or-nothing: an allocation failure reverts the
// cells already applied to this row.
func (p *MutationPartition) applyRowCells(dst, src *Row, alloc Alloc) error {
	var reverts []CellRevert
	var err error
	src.Range(func(id types.ColumnID, v ColumnValue) bool {
		if err = reserve(alloc, v.memSize()); err != nil {
			return false
		}
		reverts = append(reverts, dst.ApplyReversible(id, v.Clone()))
		return true
	})
	if err != nil {
		for i := len(reverts) - 1; i >= 0; i-- {
			reverts[i].Revert()
		}
		return err
	}
	return nil
}

// Project returns a copy of p reshaped for the target schema. Columns and
// kinds the target does not know are dropped; this loss is deliberate.
func (p *MutationPartition) Project(target, source *schema.Schema) *MutationPartition {
	out := New(target)
	out.tomb = p.tomb
	out.rts = p.rts.Clone()

	p.static.Range(func(id types.ColumnID, v ColumnValue) bool {
		if keepColumn(target, id, schema.Static, v) {
			out.static.set(id, v.Clone())
		}
		return true
	})
	p.rows.Range(func(key schema.ClusteringKey, d *DeletableRow) bool {
		nd := NewDeletableRow()
		nd.Tomb = d.Tomb
		nd.Marker = d.Marker
		d.Cells.Range(func(id types.ColumnID, v ColumnValue) bool {
			if keepColumn(target, id, schema.Regular, v) {
				nd.Cells.set(id, v.Clone())
			}
			return true
		})
		if !nd.Empty() {
			out.rows.Store(key, nd)
		}
		return true
	})
	return out
}

func keepColumn(s *schema.Schema, id types.ColumnID, kind schema.ColumnKind, v ColumnValue) bool {
	def, ok := s.Column(id)
	if !ok || def.Kind != kind {
		return false
	}
	return def.Collection == v.IsCollection()
}

// Clone returns a deep copy ordered by the same schema.
func (p *MutationPartition) Clone(s *schema.Schema) *MutationPartition {
	out := New(s)
	out.tomb = p.tomb
	out.static = p.static.Clone()
	out.rts = p.rts.Clone()
	p.rows.Range(func(key schema.ClusteringKey, d *DeletableRow) bool {
		out.rows.Store(key, d.Clone())
		return true
	})
	return out
}

// Equal reports structural equality under one schema. Range tombstone lists
// compare in normalized form.
func (p *MutationPartition) Equal(s *schema.Schema, o *MutationPartition) bool {
	if p.tomb != o.tomb || p.rows.Len() != o.rows.Len() {
		return false
	}
	if !p.static.Equal(&o.static) {
		return false
	}
	if !p.rts.Equal(s, &o.rts) {
		return false
	}
	eq := true
	p.rows.Range(func(key schema.ClusteringKey, d *DeletableRow) bool {
		od, ok := o.rows.Load(key)
		if !ok || !d.Equal(od) {
			eq = false
		}
		return eq
	})
	return eq
}

// MemSize is a rough accounting size of the partition in bytes.
func (p *MutationPartition) MemSize() int64 {
	n := int64(96) + p.static.memSize() + p.rts.memSize()
	p.rows.Range(func(key schema.ClusteringKey, d *DeletableRow) bool {
		for _, c := range key.Components {
			n += int64(len(c))
		}
		n += d.memSize()
		return true
	})
	return n
}

// Mutation pairs a partition with the key and schema it was written under.
type Mutation struct {
	Schema    *schema.Schema
	Key       schema.DecoratedKey
	Partition *MutationPartition
}

// NewMutation returns an empty mutation for the given key.
func NewMutation(s *schema.Schema, key schema.DecoratedKey) *Mutation {
	return &Mutation{Schema: s, Key: key, Partition: New(s)}
}
