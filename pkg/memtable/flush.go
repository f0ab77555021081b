package memtable

import (
	"fmt"

	"github.com/zmyer/scylla-sub000/pkg/dberrors"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
)

// AccountingSink receives byte deltas as a flush drains entries. A negative
// delta reverses previously reported progress.
type AccountingSink func(delta int64)

// FlushReader drains a sealed memtable exactly once in key order. Each
// partition drained reports its accounted size to the sink incrementally, so
// the owner can track flush progress; Abort reverses everything reported so
// far so that a retried flush never double-counts.
//
// The partitions handed out are the live ones still serving reads; the
// consumer must treat them as read-only.
type FlushReader struct {
	mt       *Memtable
	keys     [][]byte
	i        int
	sink     AccountingSink
	reported int64
}

// MakeFlushReader returns a flush reader. The memtable must be sealed. Only
// one drain may be active at a time; a second reader fails with
// ErrFlushRunning until the first is aborted.
func (mt *Memtable) MakeFlushReader(sink AccountingSink) (*FlushReader, error) {
	if mt.State() != StateSealed {
		panic(fmt.Sprintf("memtable: flush reader from state %s", mt.State()))
	}
	if !mt.flushing.CompareAndSwap(false, true) {
		return nil, dberrors.ErrFlushRunning
	}
	fr := &FlushReader{mt: mt, sink: sink}
	mt.entries.Range(func(k []byte, _ *partitionEntry) bool {
		fr.keys = append(fr.keys, k)
		return true
	})
	return fr, nil
}

// Next returns the next partition in key order, or (nil, nil) when drained.
func (fr *FlushReader) Next() (*partition.Mutation, error) {
	for fr.i < len(fr.keys) {
		k := fr.keys[fr.i]
		fr.i++
		e, ok := fr.mt.entries.Load(k)
		if !ok {
			continue
		}
		target := fr.mt.schema.Load()
		e.mu.Lock()
		e.touch(target)
		m := &partition.Mutation{Schema: target, Key: e.key, Partition: e.p}
		sz := e.size
		e.mu.Unlock()

		if fr.sink != nil {
			fr.sink(sz)
		}
		fr.reported += sz
		return m, nil
	}
	return nil, nil
}

// Abort reverses the accounting reported so far. The memtable itself is left
// untouched; a new flush reader drains it from the start.
func (fr *FlushReader) Abort() {
	if fr.reported != 0 && fr.sink != nil {
		fr.sink(-fr.reported)
	}
	fr.reported = 0
	fr.i = len(fr.keys)
	fr.mt.flushing.Store(false)
}

// FastForwardTo is not meaningful for a flush drain.
func (fr *FlushReader) FastForwardTo(reader.KeyRange) error {
	panic("memtable: fast forward on a flush reader")
}

// Close implements reader.PartitionReader.
func (fr *FlushReader) Close() error { return nil }
