package partition

import (
	"encoding/binary"
	"hash"

	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

// digester feeds partition content into a hash in a representation-independent
// order: cells always walk in ascending column id regardless of the row's
// in-memory layout, and range tombstones digest in normalized form.
type digester struct {
	h       hash.Hash
	scratch [8]byte
}

func (d *digester) u64(v uint64) {
	binary.LittleEndian.PutUint64(d.scratch[:], v)
	d.h.Write(d.scratch[:])
}

func (d *digester) i64(v int64) { d.u64(uint64(v)) }

func (d *digester) bytes(b []byte) {
	d.u64(uint64(len(b)))
	d.h.Write(b)
}

func (d *digester) bool(v bool) {
	if v {
		d.u64(1)
	} else {
		d.u64(0)
	}
}

func (d *digester) tombstone(t Tombstone) {
	d.i64(int64(t.Timestamp))
	d.i64(int64(t.DeletedAt))
}

func (d *digester) cell(c Cell) {
	d.i64(int64(c.Timestamp))
	d.bool(c.Dead)
	d.bytes(c.Value)
	d.i64(int64(c.TTL))
	d.i64(int64(c.Expiry))
}

func (d *digester) marker(m RowMarker) {
	d.u64(uint64(m.state))
	d.i64(int64(m.ts))
	d.i64(int64(m.ttl))
	d.i64(int64(m.expiry))
	d.i64(int64(m.deletedAt))
}

func (d *digester) row(r *Row) {
	d.u64(uint64(r.CellCount()))
	r.Range(func(id types.ColumnID, v ColumnValue) bool {
		d.u64(uint64(id))
		if v.IsCollection() {
			d.u64(1)
			d.tombstone(v.Collection.Tomb)
			d.u64(uint64(len(v.Collection.Entries)))
			for _, e := range v.Collection.Entries {
				d.bytes(e.Path)
				d.cell(e.Cell)
			}
		} else {
			d.u64(0)
			d.cell(v.Atomic)
		}
		return true
	})
}

func (d *digester) key(k schema.ClusteringKey) {
	d.u64(uint64(len(k.Components)))
	for _, c := range k.Components {
		d.bytes(c)
	}
}

func (d *digester) bound(b schema.Bound) {
	d.u64(uint64(b.Kind))
	d.key(b.Prefix)
}

// Digest feeds the partition's content into h. Partitions that are
// structurally equal after full compaction produce identical digests, no
// matter the order their mutations were applied in or which row
// representation they ended up with.
func (p *MutationPartition) Digest(s *schema.Schema, h hash.Hash) {
	d := &digester{h: h}

	d.tombstone(p.tomb)
	d.row(&p.static)

	for _, rt := range p.rts.normalized(s) {
		d.bound(rt.Start)
		d.bound(rt.End)
		d.tombstone(rt.Tomb)
	}

	d.u64(uint64(p.rows.Len()))
	p.rows.Range(func(key schema.ClusteringKey, dr *DeletableRow) bool {
		d.key(key)
		d.tombstone(dr.Tomb)
		d.marker(dr.Marker)
		d.row(&dr.Cells)
		return true
	})
}
