package memtable

import (
	"bytes"

	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
	"github.com/zmyer/scylla-sub000/pkg/schema"
)

// MakeReader returns a reader over the memtable's partitions within r. A
// singular range resolves with a direct index lookup; anything else scans in
// key order and re-seeks whenever the arena ran a reclaim pass since the
// reader last held a position, since a reclaim may have moved data under it.
func (mt *Memtable) MakeReader(s *schema.Schema, r reader.KeyRange, slice reader.ClusteringSlice) reader.PartitionReader {
	if r.IsSingular() {
		return &singleReader{mt: mt, key: *r.Start, slice: slice}
	}
	sc := &scanReader{mt: mt, slice: slice, r: r}
	sc.reseek(nil)
	return sc
}

func applySlice(s *schema.Schema, m *partition.Mutation, slice reader.ClusteringSlice) *partition.Mutation {
	m.Partition.RetainRows(s, slice.Ranges)
	return m
}

type singleReader struct {
	mt    *Memtable
	key   schema.DecoratedKey
	slice reader.ClusteringSlice
	done  bool
}

func (r *singleReader) Next() (*partition.Mutation, error) {
	if r.done {
		return nil, nil
	}
	r.done = true
	m, ok := r.mt.Get(r.key)
	if !ok {
		return nil, nil
	}
	return applySlice(r.mt.Schema(), m, r.slice), nil
}

func (r *singleReader) FastForwardTo(kr reader.KeyRange) error {
	if !kr.IsSingular() {
		panic("memtable: fast forward from a singular reader to a range")
	}
	r.key = *kr.Start
	r.done = false
	return nil
}

func (r *singleReader) Close() error { return nil }

// scanReader iterates the index in encoded-key order. It keeps no index
// position across calls; instead it snapshots the keys in range and, when the
// arena reclaim counter moves, re-snapshots everything past the last key it
// returned.
type scanReader struct {
	mt    *Memtable
	slice reader.ClusteringSlice
	r     reader.KeyRange

	keys    [][]byte
	i       int
	last    []byte
	reclaim uint64
}

func (r *scanReader) bounds() (start, end []byte) {
	if r.r.Start != nil {
		start = schema.EncodeKey(*r.r.Start)
	}
	if r.r.End != nil {
		end = schema.EncodeKey(*r.r.End)
	}
	return start, end
}

// reseek rebuilds the key snapshot, keeping only keys strictly after `after`.
func (r *scanReader) reseek(after []byte) {
	start, end := r.bounds()
	if after != nil && (start == nil || bytes.Compare(after, start) >= 0) {
		start = after
	}
	strict := after != nil && bytes.Equal(start, after)

	r.keys = r.keys[:0]
	r.mt.entries.Range(func(k []byte, _ *partitionEntry) bool {
		if start != nil {
			if c := bytes.Compare(k, start); c < 0 || (c == 0 && strict) {
				return true
			}
		}
		if end != nil && bytes.Compare(k, end) > 0 {
			return false
		}
		r.keys = append(r.keys, k)
		return true
	})
	r.i = 0
	if r.mt.arena != nil {
		r.reclaim = r.mt.arena.ReclaimCounter()
	}
}

func (r *scanReader) Next() (*partition.Mutation, error) {
	if r.mt.arena != nil && r.mt.arena.ReclaimCounter() != r.reclaim {
		r.reseek(r.last)
	}
	for r.i < len(r.keys) {
		k := r.keys[r.i]
		r.i++
		e, ok := r.mt.entries.Load(k)
		if !ok {
			// entry cleared between snapshot and read
			continue
		}
		r.last = k
		return applySlice(r.mt.Schema(), r.mt.snapshot(e), r.slice), nil
	}
	return nil, nil
}

func (r *scanReader) FastForwardTo(kr reader.KeyRange) error {
	r.r = kr
	r.last = nil
	r.reseek(nil)
	return nil
}

func (r *scanReader) Close() error { return nil }
