// Package sstable is the bundled durable layer behind the reader interfaces:
// immutable tables of partitions in decorated-key order, stored as
// snappy-compressed blocks of length-framed mutations with a block index and
// a partition-presence bitmap.
package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/zmyer/scylla-sub000/pkg/bytebuf"
	"github.com/zmyer/scylla-sub000/pkg/dberrors"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

// targetBlockSize is the uncompressed size at which a block is cut.
const targetBlockSize = 32 << 10

const (
	colAtomic     = 0
	colCollection = 1
)

const (
	cellFlagDead = 1 << iota
	cellFlagTTL
)

// encodeMutation appends one framed mutation to the block buffer.
func encodeMutation(b *bytebuf.Buffer, m *partition.Mutation) {
	f := b.BeginFrame()
	b.WriteUint64(uint64(m.Schema.Version))
	b.WriteUint64(m.Key.Token)
	writeBytes(b, m.Key.Key)

	p := m.Partition
	writeTombstone(b, p.Tombstone())
	writeRow(b, p.StaticRow())

	rts := p.RangeTombstones()
	b.WriteUvarint(uint64(rts.Len()))
	rts.Range(func(rt partition.RangeTombstone) bool {
		writeBound(b, rt.Start)
		writeBound(b, rt.End)
		writeTombstone(b, rt.Tomb)
		return true
	})

	b.WriteUvarint(uint64(p.RowCount()))
	p.RangeRows(func(key schema.ClusteringKey, d *partition.DeletableRow) bool {
		writeClustering(b, key)
		writeTombstone(b, d.Tomb)
		writeMarker(b, d.Marker)
		writeRow(b, &d.Cells)
		return true
	})
	b.EndFrame(f)
}

func writeBytes(b *bytebuf.Buffer, p []byte) {
	b.WriteUvarint(uint64(len(p)))
	b.Write(p)
}

func writeTombstone(b *bytebuf.Buffer, t partition.Tombstone) {
	b.WriteUint64(uint64(t.Timestamp))
	b.WriteUint64(uint64(t.DeletedAt))
}

func writeClustering(b *bytebuf.Buffer, k schema.ClusteringKey) {
	b.WriteUvarint(uint64(len(k.Components)))
	for _, c := range k.Components {
		writeBytes(b, c)
	}
}

func writeBound(b *bytebuf.Buffer, bd schema.Bound) {
	b.WriteByte(byte(bd.Kind))
	writeClustering(b, bd.Prefix)
}

func writeMarker(b *bytebuf.Buffer, m partition.RowMarker) {
	switch {
	case m.IsMissing():
		b.WriteByte(0)
	case m.IsDead():
		b.WriteByte(2)
		b.WriteUint64(uint64(m.Timestamp()))
		b.WriteUint64(uint64(m.DeletedAt()))
	default:
		b.WriteByte(1)
		b.WriteUint64(uint64(m.Timestamp()))
		b.WriteUint64(uint64(m.TTL()))
		b.WriteUint64(uint64(m.Expiry()))
	}
}

func writeCell(b *bytebuf.Buffer, c partition.Cell) {
	var flags byte
	if c.Dead {
		flags |= cellFlagDead
	}
	if c.TTL != 0 {
		flags |= cellFlagTTL
	}
	b.WriteByte(flags)
	b.WriteUint64(uint64(c.Timestamp))
	if c.Dead {
		b.WriteUint64(uint64(c.Expiry))
		return
	}
	writeBytes(b, c.Value)
	if c.TTL != 0 {
		b.WriteUint64(uint64(c.TTL))
		b.WriteUint64(uint64(c.Expiry))
	}
}

func writeRow(b *bytebuf.Buffer, r *partition.Row) {
	b.WriteUvarint(uint64(r.CellCount()))
	r.Range(func(id types.ColumnID, v partition.ColumnValue) bool {
		b.WriteUvarint(uint64(id))
		if v.IsCollection() {
			b.WriteByte(colCollection)
			cc := v.Collection
			writeTombstone(b, cc.Tomb)
			b.WriteUvarint(uint64(len(cc.Entries)))
			for _, e := range cc.Entries {
				writeBytes(b, e.Path)
				writeCell(b, e.Cell)
			}
		} else {
			b.WriteByte(colAtomic)
			writeCell(b, v.Atomic)
		}
		return true
	})
}

// decoder is a cursor over one decompressed block.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) bytes(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("sstable: truncated block: %w", dberrors.ErrInvalidArgument)
	}
	p := d.buf[d.off : d.off+n]
	d.off += n
	return p, nil
}

func (d *decoder) byte() (byte, error) {
	p, err := d.bytes(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (d *decoder) uint32() (uint32, error) {
	p, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (d *decoder) uint64() (uint64, error) {
	p, err := d.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, fmt.Errorf("sstable: bad varint: %w", dberrors.ErrInvalidArgument)
	}
	d.off += n
	return v, nil
}

func (d *decoder) blob() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	p, err := d.bytes(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

func (d *decoder) tombstone() (partition.Tombstone, error) {
	ts, err := d.uint64()
	if err != nil {
		return partition.Tombstone{}, err
	}
	dt, err := d.uint64()
	if err != nil {
		return partition.Tombstone{}, err
	}
	return partition.Tombstone{
		Timestamp: types.Timestamp(ts),
		DeletedAt: types.DeletionTime(dt),
	}, nil
}

func (d *decoder) clustering() (schema.ClusteringKey, error) {
	n, err := d.uvarint()
	if err != nil {
		return schema.ClusteringKey{}, err
	}
	comps := make([][]byte, n)
	for i := range comps {
		if comps[i], err = d.blob(); err != nil {
			return schema.ClusteringKey{}, err
		}
	}
	return schema.ClusteringKey{Components: comps}, nil
}

func (d *decoder) bound() (schema.Bound, error) {
	kind, err := d.byte()
	if err != nil {
		return schema.Bound{}, err
	}
	prefix, err := d.clustering()
	if err != nil {
		return schema.Bound{}, err
	}
	return schema.Bound{Prefix: prefix, Kind: schema.BoundKind(kind)}, nil
}

func (d *decoder) marker() (partition.RowMarker, error) {
	state, err := d.byte()
	if err != nil {
		return partition.RowMarker{}, err
	}
	switch state {
	case 0:
		return partition.MissingMarker(), nil
	case 1:
		ts, err := d.uint64()
		if err != nil {
			return partition.RowMarker{}, err
		}
		ttl, err := d.uint64()
		if err != nil {
			return partition.RowMarker{}, err
		}
		exp, err := d.uint64()
		if err != nil {
			return partition.RowMarker{}, err
		}
		if ttl == 0 {
			return partition.LiveMarker(types.Timestamp(ts)), nil
		}
		return partition.ExpiringMarker(types.Timestamp(ts), types.TTL(ttl), types.DeletionTime(exp)), nil
	case 2:
		ts, err := d.uint64()
		if err != nil {
			return partition.RowMarker{}, err
		}
		dt, err := d.uint64()
		if err != nil {
			return partition.RowMarker{}, err
		}
		return partition.DeadMarker(types.Timestamp(ts), types.DeletionTime(dt)), nil
	}
	return partition.RowMarker{}, fmt.Errorf("sstable: bad marker state %d: %w", state, dberrors.ErrInvalidArgument)
}

func (d *decoder) cell() (partition.Cell, error) {
	flags, err := d.byte()
	if err != nil {
		return partition.Cell{}, err
	}
	ts, err := d.uint64()
	if err != nil {
		return partition.Cell{}, err
	}
	if flags&cellFlagDead != 0 {
		dt, err := d.uint64()
		if err != nil {
			return partition.Cell{}, err
		}
		return partition.DeadCell(types.Timestamp(ts), types.DeletionTime(dt)), nil
	}
	value, err := d.blob()
	if err != nil {
		return partition.Cell{}, err
	}
	if flags&cellFlagTTL == 0 {
		return partition.LiveCell(types.Timestamp(ts), value), nil
	}
	ttl, err := d.uint64()
	if err != nil {
		return partition.Cell{}, err
	}
	exp, err := d.uint64()
	if err != nil {
		return partition.Cell{}, err
	}
	return partition.ExpiringCell(types.Timestamp(ts), value, types.TTL(ttl), types.DeletionTime(exp)), nil
}

func (d *decoder) row(r *partition.Row) error {
	n, err := d.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		id, err := d.uvarint()
		if err != nil {
			return err
		}
		kind, err := d.byte()
		if err != nil {
			return err
		}
		switch kind {
		case colAtomic:
			c, err := d.cell()
			if err != nil {
				return err
			}
			r.Apply(types.ColumnID(id), partition.AtomicValue(c))
		case colCollection:
			cc := partition.NewCollectionCell()
			if cc.Tomb, err = d.tombstone(); err != nil {
				return err
			}
			cnt, err := d.uvarint()
			if err != nil {
				return err
			}
			for j := uint64(0); j < cnt; j++ {
				path, err := d.blob()
				if err != nil {
					return err
				}
				c, err := d.cell()
				if err != nil {
					return err
				}
				cc.Set(path, c)
			}
			r.Apply(types.ColumnID(id), partition.CollectionValue(cc))
		default:
			return fmt.Errorf("sstable: bad column kind %d: %w", kind, dberrors.ErrInvalidArgument)
		}
	}
	return nil
}

// decodeMutation reads one framed mutation. The frame length has already
// positioned the decoder at the frame body.
func decodeMutation(d *decoder, s *schema.Schema) (*partition.Mutation, error) {
	if _, err := d.uint64(); err != nil { // schema version of the writer
		return nil, err
	}
	token, err := d.uint64()
	if err != nil {
		return nil, err
	}
	key, err := d.blob()
	if err != nil {
		return nil, err
	}
	m := partition.NewMutation(s, schema.DecoratedKey{Token: token, Key: key})
	p := m.Partition

	tomb, err := d.tombstone()
	if err != nil {
		return nil, err
	}
	p.ApplyTombstone(tomb)
	if err := d.row(p.StaticRow()); err != nil {
		return nil, err
	}

	nrts, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nrts; i++ {
		start, err := d.bound()
		if err != nil {
			return nil, err
		}
		end, err := d.bound()
		if err != nil {
			return nil, err
		}
		t, err := d.tombstone()
		if err != nil {
			return nil, err
		}
		p.ApplyRangeTombstone(s, partition.RangeTombstone{Start: start, End: end, Tomb: t})
	}

	nrows, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nrows; i++ {
		ck, err := d.clustering()
		if err != nil {
			return nil, err
		}
		dr := p.ClusteredRow(s, ck)
		if dr.Tomb, err = d.tombstone(); err != nil {
			return nil, err
		}
		if dr.Marker, err = d.marker(); err != nil {
			return nil, err
		}
		if err := d.row(&dr.Cells); err != nil {
			return nil, err
		}
	}
	return m, nil
}
