package partition

import (
	"math"

	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

// gcPolicy decides what happens to non-live data during compaction. A nil
// canGC means query compaction: everything that is not live for the reader
// is dropped outright.
type gcPolicy struct {
	now      types.DeletionTime
	canGC    func(Tombstone) bool
	gcBefore types.DeletionTime
}

func queryPolicy(now types.DeletionTime) gcPolicy {
	return gcPolicy{now: now}
}

// keepCell decides whether a cell survives compaction under the given
// covering tombstone.
func (pol gcPolicy) keepCell(c Cell, cover Tombstone) bool {
	if c.IsLive(cover, pol.now) {
		return true
	}
	if pol.canGC == nil {
		return false
	}
	if cover.Covers(c.Timestamp) {
		// shadowed; the covering tombstone carries the deletion forward
		return false
	}
	// a dead or expired cell acts as a tombstone from its expiry on; it can
	// only be collected once old enough and once no older sstable needs it
	t := Tombstone{Timestamp: c.Timestamp, DeletedAt: c.Expiry}
	return !(c.Expiry < pol.gcBefore && pol.canGC(t))
}

// keepTombstone decides whether a standalone tombstone survives.
func (pol gcPolicy) keepTombstone(t Tombstone) bool {
	if t.IsNone() {
		return false
	}
	if pol.canGC == nil {
		return false
	}
	return !(t.DeletedAt < pol.gcBefore && pol.canGC(t))
}

// purgeCells drops shadowed and collectable cells from a row in place.
func purgeCells(r *Row, cover Tombstone, pol gcPolicy) {
	var drop []types.ColumnID
	var replace []sortedColumn
	r.Range(func(id types.ColumnID, v ColumnValue) bool {
		if v.IsCollection() {
			cc := v.Collection.Clone()
			eff := maxTombstone(cover, cc.Tomb)
			kept := cc.Entries[:0]
			for _, e := range cc.Entries {
				if pol.keepCell(e.Cell, eff) {
					kept = append(kept, e)
				}
			}
			cc.Entries = kept
			if cc.Tomb.Timestamp <= cover.Timestamp || !pol.keepTombstone(cc.Tomb) {
				cc.Tomb = NoTombstone()
			}
			if len(cc.Entries) == 0 && cc.Tomb.IsNone() {
				drop = append(drop, id)
			} else {
				replace = append(replace, sortedColumn{id: id, val: CollectionValue(cc)})
			}
			return true
		}
		if !pol.keepCell(v.Atomic, cover) {
			drop = append(drop, id)
		}
		return true
	})
	for _, id := range drop {
		r.Delete(id)
	}
	for _, c := range replace {
		r.set(c.id, c.val)
	}
}

// CompactForQuery compacts the partition down to what a reader at queryTime
// would see: rows outside rowRanges are dropped, shadowed and expired data
// disappears, and at most rowLimit live rows are kept. It returns the number
// of live rows found; a live static row with no live clustered rows counts
// as exactly one, and stops counting separately as soon as any clustered row
// is live.
func (p *MutationPartition) CompactForQuery(s *schema.Schema, queryTime types.DeletionTime, rowRanges []schema.RowRange, reversed bool, rowLimit int) int {
	if rowLimit <= 0 {
		rowLimit = math.MaxInt
	}
	if len(rowRanges) == 0 {
		rowRanges = []schema.RowRange{schema.FullRowRange()}
	}
	pol := queryPolicy(queryTime)

	purgeCells(&p.static, p.tomb, pol)
	staticLive := !p.static.Empty()

	type rowRef struct {
		key schema.ClusteringKey
		d   *DeletableRow
	}
	entries := make([]rowRef, 0, p.rows.Len())
	p.rows.Range(func(key schema.ClusteringKey, d *DeletableRow) bool {
		entries = append(entries, rowRef{key, d})
		return true
	})
	if reversed {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	live := 0
	for _, e := range entries {
		if live >= rowLimit {
			p.rows.Delete(e.key)
			continue
		}
		inRange := false
		for _, rr := range rowRanges {
			if s.RangeContainsKey(rr, e.key) {
				inRange = true
				break
			}
		}
		if !inRange {
			p.rows.Delete(e.key)
			continue
		}

		cover := maxTombstone(p.tomb, p.rts.SearchCovering(s, e.key))
		effRow := maxTombstone(cover, e.d.Tomb)
		purgeCells(&e.d.Cells, effRow, pol)
		if !e.d.Marker.IsLive(effRow, queryTime) {
			e.d.Marker = MissingMarker()
		}
		e.d.Tomb = NoTombstone()

		if !e.d.Marker.IsMissing() || !e.d.Cells.Empty() {
			live++
		} else {
			p.rows.Delete(e.key)
		}
	}

	if live > 0 {
		return live
	}
	if staticLive {
		return 1
	}
	return 0
}

// CompactForCompaction reclaims shadowed data and garbage-collectable
// tombstones. A tombstone older than compactionTime is dropped only when
// canGC allows it, i.e. when no still-live sstable may need it to shadow
// older data.
func (p *MutationPartition) CompactForCompaction(s *schema.Schema, canGC func(Tombstone) bool, compactionTime types.DeletionTime) {
	pol := gcPolicy{now: compactionTime, canGC: canGC, gcBefore: compactionTime}

	purgeCells(&p.static, p.tomb, pol)

	var drop []schema.ClusteringKey
	p.rows.Range(func(key schema.ClusteringKey, d *DeletableRow) bool {
		cover := maxTombstone(p.tomb, p.rts.SearchCovering(s, key))
		effRow := maxTombstone(cover, d.Tomb)
		purgeCells(&d.Cells, effRow, pol)

		if d.Marker.IsDead() {
			mt := Tombstone{Timestamp: d.Marker.Timestamp(), DeletedAt: d.Marker.DeletedAt()}
			if cover.Covers(d.Marker.Timestamp()) || !pol.keepTombstone(mt) {
				d.Marker = MissingMarker()
			}
		} else if !d.Marker.IsMissing() && !d.Marker.IsLive(effRow, compactionTime) {
			d.Marker = MissingMarker()
		}

		if d.Tomb.Timestamp <= cover.Timestamp || !pol.keepTombstone(d.Tomb) {
			d.Tomb = NoTombstone()
		}
		if d.Empty() {
			drop = append(drop, key)
		}
		return true
	})
	for _, key := range drop {
		p.rows.Delete(key)
	}

	// range tombstones shadowed by the partition tombstone or collectable
	kept := RangeTombstoneList{}
	p.rts.Range(func(rt RangeTombstone) bool {
		if rt.Tomb.Timestamp <= p.tomb.Timestamp {
			return true
		}
		if pol.keepTombstone(rt.Tomb) {
			kept.ranges = append(kept.ranges, rt)
		}
		return true
	})
	p.rts = kept

	if !pol.keepTombstone(p.tomb) {
		p.tomb = NoTombstone()
	}
}

// LiveRowCount returns the number of rows a reader at now would see, without
// mutating the partition.
func (p *MutationPartition) LiveRowCount(s *schema.Schema, now types.DeletionTime) int {
	c := p.Clone(s)
	return c.CompactForQuery(s, now, nil, false, 0)
}
