package cache

import (
	"bytes"

	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
	"github.com/zmyer/scylla-sub000/pkg/schema"
)

// scanReader walks the cache in key order. Runs of continuous entries are
// served without touching the layers below; each gap is read through the
// underlying source, the partitions found there are populated (phase-guarded)
// and, when the gap is walked to its end, the entry closing it gains the
// continuity flag.
type scanReader struct {
	c     *Cache
	s     *schema.Schema
	r     reader.KeyRange
	slice reader.ClusteringSlice

	cursorEnc []byte
	cursorKey schema.DecoratedKey
	started   bool
	// afterEmit is true when the cursor sits on an emitted partition that is
	// present in the cache, so a fully-walked gap proves continuity up to the
	// entry that closes it. An emitted partition whose insert did not commit
	// leaves a hole instead and resets it.
	afterEmit bool

	under     reader.PartitionReader
	underTo   []byte // encoded key of the entry the open gap read runs toward
	gapPhase  uint64
	underOpen bool

	done bool
}

func (r *scanReader) emit(m *partition.Mutation) *partition.Mutation {
	r.cursorEnc = schema.EncodeKey(m.Key)
	r.cursorKey = m.Key
	r.started = true
	r.afterEmit = true
	m.Partition.RetainRows(r.s, r.slice.Ranges)
	return m
}

func (r *scanReader) closeUnder() {
	if r.underOpen {
		r.under.Close()
		r.under = nil
		r.underOpen = false
	}
}

// successor finds the next cache entry strictly after the cursor and inside
// the range, under the cache mutex. A nil entry means the rest of the range
// has no cached partitions.
func (r *scanReader) successorLocked() *entry {
	var it = r.c.index.First()
	switch {
	case r.started:
		it = r.c.index.SeekGE(r.cursorEnc)
		for it.Valid() && bytes.Equal(it.Key(), r.cursorEnc) {
			it = it.Next()
		}
	case r.r.Start != nil:
		it = r.c.index.SeekGE(schema.EncodeKey(*r.r.Start))
	}
	if !it.Valid() {
		return nil
	}
	e := it.Value()
	if r.r.End != nil && bytes.Compare(e.enc, schema.EncodeKey(*r.r.End)) > 0 {
		return nil
	}
	return e
}

// openGap starts an underlying read from just past the cursor toward succ
// (or the range end when succ is nil).
func (r *scanReader) openGap(succ *entry) {
	gap := reader.KeyRange{End: r.r.End}
	if succ != nil {
		k := succ.key
		gap.End = &k
	}
	if r.started {
		k := r.cursorKey
		gap.Start = &k
	} else {
		gap.Start = r.r.Start
	}
	r.gapPhase = r.c.tracker.Phase()
	r.under = r.c.src(r.s, gap, reader.FullSlice())
	r.underOpen = true
	if succ != nil {
		r.underTo = succ.enc
	} else {
		r.underTo = nil
	}
}

// closeGap records that the gap up to succ was walked empty-to-the-end and
// emits succ. Continuity commits only if no invalidation ran since the gap
// read began and the gap started at an emitted, cached partition. src is the
// partition the gap read produced for succ's key, nil when the source ran out
// before reaching it.
func (r *scanReader) closeGap(succ *entry, src *partition.Mutation) *partition.Mutation {
	r.closeUnder()
	r.c.mu.Lock()
	if e, ok := r.c.index.Load(succ.enc); ok && e == succ {
		if r.afterEmit && r.c.tracker.Phase() == r.gapPhase {
			succ.continuous = true
		}
		r.c.tracker.touch(succ)
		if !succ.isMarker() {
			m := r.emit(r.c.snapshotLocked(r.s, succ))
			r.c.mu.Unlock()
			return m
		}
		r.c.mu.Unlock()
		if src != nil {
			// a marker caches nothing; serve what the source just produced
			return r.emit(src)
		}
	} else {
		r.c.mu.Unlock()
	}
	// succ was evicted while the gap was being read, or is a marker whose key
	// the source no longer holds; skip it, the next round re-resolves the
	// successor
	r.cursorEnc = succ.enc
	r.cursorKey = succ.key
	r.started = true
	r.afterEmit = false
	return nil
}

// populate commits one gap partition, phase-guarded, and emits it. The gap
// walk itself proves there is no key between the cursor and m, so the new
// entry inherits the walk's continuity. When the commit is rejected the
// emitted partition is a hole in the cache and the walk's continuity proof
// ends with it.
func (r *scanReader) populate(m *partition.Mutation) *partition.Mutation {
	enc := schema.EncodeKey(m.Key)
	e := r.c.admit(m, enc)
	e.continuous = r.afterEmit
	reserved := true
	if r.c.arena != nil {
		if err := r.c.arena.Reserve(e.size); err != nil {
			reserved = false
		}
	}
	committed := false
	r.c.mu.Lock()
	_, present := r.c.index.Load(enc)
	switch {
	case present:
		// another reader committed the key; it anchors continuity just as well
		committed = true
		if reserved && r.c.arena != nil {
			r.c.arena.Release(e.size)
		}
	case reserved && r.c.tracker.Phase() == r.gapPhase:
		r.c.insertLocked(e)
		r.c.count("cache_populations")
		committed = true
	case reserved:
		if r.c.arena != nil {
			r.c.arena.Release(e.size)
		}
	}
	r.c.mu.Unlock()
	out := r.emit(m)
	r.afterEmit = committed
	return out
}

// readThrough fetches one key directly from the underlying source, outside
// any gap read.
func (r *scanReader) readThrough(key schema.DecoratedKey) (*partition.Mutation, error) {
	rd := r.c.src(r.s, reader.SingleKey(key), reader.FullSlice())
	defer rd.Close()
	return rd.Next()
}

func (r *scanReader) Next() (*partition.Mutation, error) {
	for !r.done {
		r.c.mu.Lock()
		succ := r.successorLocked()
		if succ != nil && succ.continuous && !r.underOpen {
			// nothing below between the cursor and succ; serve it directly
			r.c.tracker.touch(succ)
			if succ.isMarker() {
				key, enc := succ.key, succ.enc
				r.c.mu.Unlock()
				r.c.count("cache_misses")
				m, err := r.readThrough(key)
				if err != nil {
					return nil, err
				}
				if m != nil {
					return r.emit(m), nil
				}
				// the marker's key is gone below; step past it
				r.cursorEnc = enc
				r.cursorKey = key
				r.started = true
				r.afterEmit = false
				continue
			}
			m := r.emit(r.c.snapshotLocked(r.s, succ))
			r.c.mu.Unlock()
			r.c.count("cache_hits")
			return m, nil
		}
		succEnc := []byte(nil)
		if succ != nil {
			succEnc = succ.enc
		}
		r.c.mu.Unlock()

		if !r.underOpen || !bytes.Equal(r.underTo, succEnc) {
			// the successor moved (eviction or population elsewhere); restart
			// the gap read toward the current one
			r.closeUnder()
			r.openGap(succ)
			r.c.count("cache_misses")
		}

		m, err := r.under.Next()
		if err != nil {
			r.closeUnder()
			return nil, err
		}
		if m == nil {
			if succ == nil {
				r.done = true
				r.closeUnder()
				return nil, nil
			}
			if out := r.closeGap(succ, nil); out != nil {
				return out, nil
			}
			continue
		}
		enc := schema.EncodeKey(m.Key)
		if r.started && bytes.Equal(enc, r.cursorEnc) {
			// inclusive lower bound re-produced the cursor partition
			continue
		}
		if succ != nil && bytes.Equal(enc, succ.enc) {
			// the gap is exhausted; the cached entry is at least as new as
			// what the source just produced, serve it instead
			if out := r.closeGap(succ, m); out != nil {
				return out, nil
			}
			continue
		}
		return r.populate(m), nil
	}
	return nil, nil
}

func (r *scanReader) FastForwardTo(kr reader.KeyRange) error {
	r.closeUnder()
	r.r = kr
	r.started = false
	r.afterEmit = false
	r.done = false
	r.cursorEnc = nil
	return nil
}

func (r *scanReader) Close() error {
	r.closeUnder()
	return nil
}
