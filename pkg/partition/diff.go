package partition

import (
	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

// Difference returns the parts of p that are not already represented in
// other: cells and markers that would win a merge against other's, the
// partition and row tombstones newer than other's, and the range tombstones
// no single stronger segment of other spans. Applying the result to other
// yields the same partition as applying p to other.
func (p *MutationPartition) Difference(s *schema.Schema, other *MutationPartition) *MutationPartition {
	d := New(s)

	if p.tomb.Supersedes(other.tomb) {
		d.tomb = p.tomb
	}

	d.static = diffCells(&p.static, &other.static)

	p.rts.Range(func(rt RangeTombstone) bool {
		if !other.rts.CoveredBy(s, rt) {
			d.rts.Apply(s, rt)
		}
		return true
	})

	p.rows.Range(func(key schema.ClusteringKey, pd *DeletableRow) bool {
		od, ok := other.rows.Load(key)
		if !ok {
			if !pd.Empty() {
				d.rows.Store(key, pd.Clone())
			}
			return true
		}
		nd := NewDeletableRow()
		if pd.Tomb.Supersedes(od.Tomb) {
			nd.Tomb = pd.Tomb
		}
		if compareMarkers(pd.Marker, od.Marker) > 0 {
			nd.Marker = pd.Marker
		}
		nd.Cells = diffCells(&pd.Cells, &od.Cells)
		if !nd.Empty() {
			d.rows.Store(key, nd)
		}
		return true
	})
	return d
}

// diffCells returns the cells of a that win a merge against b's. Collections
// diff entry by entry rather than whole-cell.
func diffCells(a, b *Row) Row {
	var out Row
	a.Range(func(id types.ColumnID, v ColumnValue) bool {
		bv, ok := b.Get(id)
		if !ok || v.IsCollection() != bv.IsCollection() {
			out.set(id, v.Clone())
			return true
		}
		if v.IsCollection() {
			if cd := v.Collection.Difference(bv.Collection); cd != nil {
				out.set(id, CollectionValue(cd))
			}
			return true
		}
		if compareCells(v.Atomic, bv.Atomic) > 0 {
			out.set(id, v.Clone())
		}
		return true
	})
	return out
}
