package cache

import (
	"bytes"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zmyer/scylla-sub000/pkg/arena"
	"github.com/zmyer/scylla-sub000/pkg/memtable"
	"github.com/zmyer/scylla-sub000/pkg/metrics"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/skiplist"
)

// entryOverhead approximates the fixed cost of one cache entry.
const entryOverhead = 256

// entry is one cached partition. The continuous flag is the continuity
// protocol's unit of truth: it asserts that no partition exists, in any layer
// below, between the previous cache entry and this one. The dummy tail entry
// carries the same assertion for the space after the last real entry.
type entry struct {
	key   schema.DecoratedKey
	enc   []byte
	s     *schema.Schema
	p     *partition.MutationPartition
	size  int64
	dummy bool

	continuous bool
	wide       bool

	prev, next *entry // LRU links, owned by the tracker
}

// isMarker reports whether the entry holds no partition data: the key exists
// below but its partition was too large to cache, so reads always go back to
// the durable layer. The marker still anchors the continuity chain.
func (e *entry) isMarker() bool { return e.p == nil && !e.dummy }

// Cache is the row cache: a read-through, reconciled subset of the durable
// layer. Entries merge flushed memtable data in place so a cached partition
// is always at least as new as what the sstables hold.
type Cache struct {
	mu      sync.Mutex
	index   *skiplist.List[[]byte, *entry]
	tailEnt *entry
	tracker *Tracker

	arena *arena.Arena
	src   reader.MutationSource
	group singleflight.Group
	mc    metrics.Collector
	log   *slog.Logger
}

// New returns a cache reading through src. When ar is non-nil the cache
// registers itself as an eviction source for the arena.
func New(ar *arena.Arena, tr *Tracker, src reader.MutationSource, mc metrics.Collector, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		index:   skiplist.New[[]byte, *entry](bytes.Compare),
		tailEnt: &entry{dummy: true},
		tracker: tr,
		arena:   ar,
		src:     src,
		mc:      mc,
		log:     log,
	}
	if ar != nil {
		ar.RegisterEvictor(c.evictNeed)
	}
	return c
}

// Tracker returns the cache's tracker.
func (c *Cache) Tracker() *Tracker { return c.tracker }

// Len returns the number of cached partitions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

func (c *Cache) count(name string) {
	if c.mc != nil {
		c.mc.IncCounter(name, nil, 1)
	}
}

// successorLocked returns the first entry at or after enc, or the dummy tail.
func (c *Cache) successorLocked(enc []byte) *entry {
	if it := c.index.SeekGE(enc); it.Valid() {
		return it.Value()
	}
	return c.tailEnt
}

// snapshotLocked clones an entry's partition under the requested schema.
func (c *Cache) snapshotLocked(s *schema.Schema, e *entry) *partition.Mutation {
	p := e.p
	if e.s.Version != s.Version {
		p = p.Project(s, e.s)
	} else {
		p = p.Clone(s)
	}
	return &partition.Mutation{Schema: s, Key: e.key, Partition: p}
}

// removeLocked drops an entry. The successor loses its continuity: it used to
// assert an empty gap down to e, and that gap just grew to an unproven one.
func (c *Cache) removeLocked(e *entry) {
	c.index.Delete(e.enc)
	c.tracker.remove(e)
	c.successorLocked(e.enc).continuous = false
}

// insertLocked adds a fresh entry and hands it to the tracker. Entry keys
// live in arena chunk storage with the rest of the entry.
func (c *Cache) insertLocked(e *entry) {
	if c.arena != nil {
		e.enc = c.arena.CopyBytes(e.enc)
	}
	c.index.Store(e.enc, e)
	c.tracker.insert(e)
}

// admit builds the entry under which m enters the cache: with its data, or as
// a marker only when the partition exceeds the wide-cache ceiling.
func (c *Cache) admit(m *partition.Mutation, enc []byte) *entry {
	sz := m.Partition.MemSize() + entryOverhead
	if ceil := c.tracker.cfg.WideCacheCeiling; ceil > 0 && sz > ceil {
		return &entry{key: m.Key, enc: enc, s: m.Schema, size: entryOverhead}
	}
	return &entry{key: m.Key, enc: enc, s: m.Schema, p: m.Partition.Clone(m.Schema), size: sz}
}

// evictNeed is the arena eviction hook: it frees up to need bytes from the
// LRU tail, sparing wide partitions per the tracker's ratio. The pass pins
// the arena so an allocation made while it runs fails cleanly instead of
// re-entering reclaim under the cache mutex.
func (c *Cache) evictNeed(need int64) int64 {
	if c.arena != nil {
		c.arena.Pin()
		defer c.arena.Unpin()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var freed int64
	for freed < need {
		v := c.tracker.victim()
		if v == nil {
			break
		}
		c.removeLocked(v)
		freed += v.size
		if c.arena != nil {
			c.arena.Release(v.size)
		}
		c.count("cache_evictions")
	}
	if freed > 0 {
		c.log.Debug("cache eviction pass", "need", need, "freed", freed, "entries", c.tracker.Len())
	}
	return freed
}

// Touch marks a partition as recently used.
func (c *Cache) Touch(key schema.DecoratedKey) {
	enc := schema.EncodeKey(key)
	c.mu.Lock()
	if e, ok := c.index.Load(enc); ok {
		c.tracker.touch(e)
	}
	c.mu.Unlock()
}

// Invalidate drops a single partition and aborts in-flight populations.
func (c *Cache) Invalidate(key schema.DecoratedKey) {
	enc := schema.EncodeKey(key)
	c.mu.Lock()
	c.tracker.BumpPhase()
	e, ok := c.index.Load(enc)
	if ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	if ok && c.arena != nil {
		c.arena.Release(e.size)
	}
	c.count("cache_invalidations")
}

// InvalidateRange drops every partition within r and aborts in-flight
// populations.
func (c *Cache) InvalidateRange(r reader.KeyRange) {
	c.mu.Lock()
	c.tracker.BumpPhase()
	var victims []*entry
	it := c.index.First()
	if r.Start != nil {
		it = c.index.SeekGE(schema.EncodeKey(*r.Start))
	}
	var end []byte
	if r.End != nil {
		end = schema.EncodeKey(*r.End)
	}
	for ; it.Valid(); it = it.Next() {
		if end != nil && bytes.Compare(it.Key(), end) > 0 {
			break
		}
		victims = append(victims, it.Value())
	}
	var released int64
	for _, e := range victims {
		c.removeLocked(e)
		released += e.size
	}
	c.mu.Unlock()
	if released > 0 && c.arena != nil {
		c.arena.Release(released)
	}
	c.count("cache_invalidations")
}

// Populate inserts or merges a partition the caller authoritatively owns: the
// full reconciled view, not a diff. Callers that read the partition from
// below must use the phase-guarded paths instead.
//
// prev optionally names the key the caller knows to immediately precede m
// with nothing between them below; when that key really is the new entry's
// left neighbor in the index, the entry is inserted continuous.
func (c *Cache) Populate(m *partition.Mutation, prev *schema.DecoratedKey) error {
	enc := schema.EncodeKey(m.Key)
	e := c.admit(m, enc)
	if c.arena != nil {
		if err := c.arena.Reserve(e.size); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.index.Load(enc); ok {
		if !old.isMarker() && !e.isMarker() {
			if err := old.p.Apply(old.s, m.Partition, m.Schema, nil); err != nil {
				// merge rules cannot fail without an allocator; keep the claim
				panic("cache: unreachable merge failure")
			}
			old.size += e.size
			c.demoteLocked(old)
			c.tracker.touch(old)
			return nil
		}
		// the representation changes; the entry keeps its place in the chain
		if c.arena != nil {
			c.arena.Release(old.size)
		}
		old.p, old.s, old.size = e.p, e.s, e.size
		c.tracker.touch(old)
		return nil
	}
	c.insertLocked(e)
	if prev != nil {
		if it := c.index.SeekGE(e.enc).Prev(); it.Valid() && bytes.Equal(it.Key(), schema.EncodeKey(*prev)) {
			e.continuous = true
		}
	}
	c.count("cache_populations")
	return nil
}

// demoteLocked drops the data of an entry whose merged size grew past the
// wide-cache ceiling, keeping only the marker. Reads for the key re-fetch the
// reconciled partition from the durable layer.
func (c *Cache) demoteLocked(e *entry) {
	ceil := c.tracker.cfg.WideCacheCeiling
	if ceil <= 0 || e.size <= ceil || e.isMarker() || e.dummy {
		return
	}
	if c.arena != nil {
		c.arena.Release(e.size - entryOverhead)
	}
	e.p = nil
	e.size = entryOverhead
}

// readSingle serves one key: from the cache on a hit, via a continuity proof
// on a provable miss, and through the underlying source otherwise. The
// population commit is phase-guarded: a concurrent invalidation or update
// that bumped the phase makes the read serve its data without caching it.
func (c *Cache) readSingle(s *schema.Schema, key schema.DecoratedKey) (*partition.Mutation, error) {
	enc := schema.EncodeKey(key)

	c.mu.Lock()
	if e, ok := c.index.Load(enc); ok {
		c.tracker.touch(e)
		if !e.isMarker() {
			m := c.snapshotLocked(s, e)
			c.mu.Unlock()
			c.count("cache_hits")
			return m, nil
		}
		// too large to cache; the marker only keeps the continuity chain
		c.mu.Unlock()
		c.count("cache_misses")
	} else if c.successorLocked(enc).continuous {
		c.mu.Unlock()
		// nothing below can hold this key
		c.count("cache_hits")
		return nil, nil
	} else {
		c.mu.Unlock()
		c.count("cache_misses")
	}

	v, err, _ := c.group.Do(string(enc), func() (any, error) {
		phase := c.tracker.Phase()
		rd := c.src(s, reader.SingleKey(key), reader.FullSlice())
		m, err := rd.Next()
		rd.Close()
		if err != nil || m == nil {
			return nil, err
		}

		e := c.admit(m, enc)
		if c.arena != nil {
			if err := c.arena.Reserve(e.size); err != nil {
				// serve the read uncached
				return m, nil
			}
		}
		c.mu.Lock()
		_, present := c.index.Load(enc)
		if !present && c.tracker.Phase() == phase {
			c.insertLocked(e)
			c.count("cache_populations")
		} else if c.arena != nil {
			c.arena.Release(e.size)
		}
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}

	// the mutation may be shared with other waiters; hand out a private copy
	m := v.(*partition.Mutation)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index.Load(enc); ok && !e.isMarker() {
		return c.snapshotLocked(s, e), nil
	}
	return &partition.Mutation{Schema: s, Key: m.Key, Partition: m.Partition.Clone(s)}, nil
}

// Update reconciles the cache with a just-flushed memtable. The flush moved
// the memtable's data into the durable layer, so for every flushed partition
// the cache must either merge that data into its entry or know the entry
// absent; a cached entry left unmerged would serve stale reads.
//
// Keys the cache does not hold are inserted only when their absence below is
// proven, by a continuity flag or by the presence checker; anything else
// stays uncached rather than paying a read during flush.
func (c *Cache) Update(mt *memtable.Memtable, presence reader.PresenceChecker) error {
	c.tracker.BumpPhase()

	rd := mt.MakeReader(mt.Schema(), reader.FullKeyRange(), reader.FullSlice())
	defer rd.Close()
	for {
		m, err := rd.Next()
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
		c.updateOne(m, presence)
	}
}

func (c *Cache) updateOne(m *partition.Mutation, presence reader.PresenceChecker) {
	enc := schema.EncodeKey(m.Key)
	sz := m.Partition.MemSize() + entryOverhead
	markerOnly := false
	if ceil := c.tracker.cfg.WideCacheCeiling; ceil > 0 && sz > ceil {
		markerOnly, sz = true, entryOverhead
	}
	reserved := true
	if c.arena != nil {
		if err := c.arena.Reserve(sz); err != nil {
			reserved = false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.index.Load(enc); ok {
		if !reserved {
			// cannot grow the entry; dropping it beats serving it stale
			c.removeLocked(e)
			if c.arena != nil {
				c.arena.Release(e.size)
			}
			return
		}
		switch {
		case e.isMarker() && !markerOnly:
			// nothing cached to merge into; the flushed data is durable below
			// and reads keep fetching it from there
			if c.arena != nil {
				c.arena.Release(sz)
			}
		case markerOnly:
			// the merged partition is past the ceiling either way; keep only
			// the marker, its place in the continuity chain does not change
			if c.arena != nil {
				c.arena.Release(e.size)
			}
			e.p = nil
			e.size = sz
		default:
			if err := e.p.Apply(e.s, m.Partition, m.Schema, nil); err != nil {
				panic("cache: unreachable merge failure")
			}
			e.size += sz
			c.demoteLocked(e)
		}
		c.tracker.touch(e)
		c.count("cache_updates")
		return
	}

	if !reserved {
		return
	}

	succ := c.successorLocked(enc)
	switch {
	case succ.continuous, presence != nil && presence(m.Key) == reader.DefinitelyAbsent:
		// either the gap was proven empty, so splitting it with the flushed
		// partition keeps both halves empty, or the durable layer proved the
		// key absent below
		e := &entry{key: m.Key, enc: enc, s: m.Schema, size: sz, continuous: succ.continuous}
		if !markerOnly {
			e.p = m.Partition
		}
		c.insertLocked(e)
		c.count("cache_updates")
	default:
		// the key may exist below with data the cache never read; do not
		// insert a partition that could shadow it
		if c.arena != nil {
			c.arena.Release(sz)
		}
	}
}

// MakeReader returns a reader over the cache within r. Singular ranges go
// through the point-read path; scans walk continuous runs of entries without
// touching the layers below and read only the gaps through the source.
func (c *Cache) MakeReader(s *schema.Schema, r reader.KeyRange, slice reader.ClusteringSlice) reader.PartitionReader {
	if r.IsSingular() {
		return &pointReader{c: c, s: s, key: *r.Start, slice: slice}
	}
	return &scanReader{c: c, s: s, r: r, slice: slice}
}

type pointReader struct {
	c     *Cache
	s     *schema.Schema
	key   schema.DecoratedKey
	slice reader.ClusteringSlice
	done  bool
}

func (r *pointReader) Next() (*partition.Mutation, error) {
	if r.done {
		return nil, nil
	}
	r.done = true
	m, err := r.c.readSingle(r.s, r.key)
	if err != nil || m == nil {
		return nil, err
	}
	m.Partition.RetainRows(r.s, r.slice.Ranges)
	return m, nil
}

func (r *pointReader) FastForwardTo(kr reader.KeyRange) error {
	if !kr.IsSingular() {
		panic("cache: fast forward from a singular reader to a range")
	}
	r.key = *kr.Start
	r.done = false
	return nil
}

func (r *pointReader) Close() error { return nil }
