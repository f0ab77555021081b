package sstable

import (
	"fmt"
	"sort"

	"github.com/golang/snappy"

	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
	"github.com/zmyer/scylla-sub000/pkg/schema"
)

// Source returns a MutationSource streaming the table's partitions.
func (t *Table) Source() reader.MutationSource {
	return func(s *schema.Schema, r reader.KeyRange, slice reader.ClusteringSlice) reader.PartitionReader {
		tr := &tableReader{t: t, s: s, slice: slice}
		tr.position(r)
		return tr
	}
}

// tableReader decompresses blocks lazily and walks their frames in order.
type tableReader struct {
	t     *Table
	s     *schema.Schema
	r     reader.KeyRange
	slice reader.ClusteringSlice

	bi  int // next block to decompress
	dec *decoder
}

// position seeks to the first block that can contain r.Start.
func (tr *tableReader) position(r reader.KeyRange) {
	tr.r = r
	tr.dec = nil
	tr.bi = 0
	if r.Start == nil || len(tr.t.blocks) == 0 {
		return
	}
	// the last block whose first key is <= start may still contain it
	i := sort.Search(len(tr.t.blocks), func(i int) bool {
		return schema.CompareKeys(tr.t.blocks[i].firstKey, *r.Start) > 0
	})
	if i > 0 {
		i--
	}
	tr.bi = i
}

func (tr *tableReader) nextBlock() error {
	if tr.bi >= len(tr.t.blocks) {
		tr.dec = nil
		return nil
	}
	b := tr.t.blocks[tr.bi]
	tr.bi++
	raw, err := snappy.Decode(nil, b.data)
	if err != nil {
		return fmt.Errorf("sstable: block %d: %w", tr.bi-1, err)
	}
	if len(raw) != b.raw {
		return fmt.Errorf("sstable: block %d: size mismatch %d != %d", tr.bi-1, len(raw), b.raw)
	}
	tr.dec = &decoder{buf: raw}
	return nil
}

func (tr *tableReader) Next() (*partition.Mutation, error) {
	for {
		if tr.dec == nil || tr.dec.remaining() == 0 {
			if tr.bi >= len(tr.t.blocks) {
				return nil, nil
			}
			if err := tr.nextBlock(); err != nil {
				return nil, err
			}
			continue
		}
		n, err := tr.dec.uint32()
		if err != nil {
			return nil, err
		}
		body, err := tr.dec.bytes(int(n))
		if err != nil {
			return nil, err
		}
		m, err := decodeMutation(&decoder{buf: body}, tr.s)
		if err != nil {
			return nil, err
		}
		if tr.r.Start != nil && schema.CompareKeys(m.Key, *tr.r.Start) < 0 {
			continue
		}
		if tr.r.End != nil && schema.CompareKeys(m.Key, *tr.r.End) > 0 {
			// past the range; later blocks only grow
			tr.dec = nil
			tr.bi = len(tr.t.blocks)
			return nil, nil
		}
		m.Partition.RetainRows(tr.s, tr.slice.Ranges)
		return m, nil
	}
}

func (tr *tableReader) FastForwardTo(r reader.KeyRange) error {
	tr.position(r)
	return nil
}

func (tr *tableReader) Close() error {
	tr.dec = nil
	return nil
}
