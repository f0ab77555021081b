package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zmyer/scylla-sub000/pkg/arena"
	"github.com/zmyer/scylla-sub000/pkg/memtable"
	"github.com/zmyer/scylla-sub000/pkg/metrics"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

func testSchema() *schema.Schema {
	return schema.New(1, []schema.ColumnDef{
		{ID: 1, Name: "v", Kind: schema.Regular},
	})
}

func mut(s *schema.Schema, key string, ts int64, val string) *partition.Mutation {
	m := partition.NewMutation(s, schema.DecorateKey([]byte(key)))
	m.Partition.ClusteredRow(s, schema.MakeClusteringKey([]byte("r"))).
		Cells.Apply(1, partition.AtomicValue(partition.LiveCell(types.Timestamp(ts), []byte(val))))
	return m
}

// fakeSource is an in-memory durable layer. Every read serves deep copies so
// the cache and its callers can never alias source data.
type fakeSource struct {
	mu     sync.Mutex
	s      *schema.Schema
	ms     map[uint64]*partition.Mutation
	reads  atomic.Int64
	onRead func()
}

func newFakeSource(s *schema.Schema) *fakeSource {
	return &fakeSource{s: s, ms: make(map[uint64]*partition.Mutation)}
}

func (f *fakeSource) put(m *partition.Mutation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.ms[m.Key.Token]; ok {
		if err := prev.Partition.Apply(f.s, m.Partition, m.Schema, nil); err != nil {
			panic(err)
		}
		return
	}
	f.ms[m.Key.Token] = m
}

func (f *fakeSource) source(s *schema.Schema, r reader.KeyRange, _ reader.ClusteringSlice) reader.PartitionReader {
	f.reads.Add(1)
	if f.onRead != nil {
		f.onRead()
	}
	f.mu.Lock()
	list := make([]*partition.Mutation, 0, len(f.ms))
	for _, m := range f.ms {
		list = append(list, &partition.Mutation{Schema: m.Schema, Key: m.Key, Partition: m.Partition.Clone(m.Schema)})
	}
	f.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return schema.CompareKeys(list[i].Key, list[j].Key) < 0 })
	rd := reader.FromMutations(list)
	rd.FastForwardTo(r)
	return rd
}

func newTestCache(src *fakeSource, ar *arena.Arena) *Cache {
	return New(ar, NewTracker(DefaultTrackerConfig(), nil), src.source, nil, nil)
}

// tokenOrdered returns the keys sorted by their decorated-key order.
func tokenOrdered(keys ...string) []string {
	sort.Slice(keys, func(i, j int) bool {
		return schema.CompareKeys(schema.DecorateKey([]byte(keys[i])), schema.DecorateKey([]byte(keys[j]))) < 0
	})
	return keys
}

func readPoint(t *testing.T, c *Cache, s *schema.Schema, key string) *partition.Mutation {
	t.Helper()
	rd := c.MakeReader(s, reader.SingleKey(schema.DecorateKey([]byte(key))), reader.FullSlice())
	defer rd.Close()
	m, err := rd.Next()
	if err != nil {
		t.Fatalf("point read %q: %v", key, err)
	}
	return m
}

func drainScan(t *testing.T, c *Cache, s *schema.Schema) []uint64 {
	t.Helper()
	rd := c.MakeReader(s, reader.FullKeyRange(), reader.FullSlice())
	defer rd.Close()
	var tokens []uint64
	for {
		m, err := rd.Next()
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if m == nil {
			return tokens
		}
		tokens = append(tokens, m.Key.Token)
	}
}

func cellValue(t *testing.T, m *partition.Mutation) string {
	t.Helper()
	if m == nil {
		t.Fatalf("partition missing")
	}
	d, ok := m.Partition.FindRow(schema.MakeClusteringKey([]byte("r")))
	if !ok {
		t.Fatalf("row missing")
	}
	v, ok := d.Cells.Get(1)
	if !ok {
		t.Fatalf("cell missing")
	}
	return string(v.Atomic.Value)
}

func TestPointReadPopulatesAndHits(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	src.put(mut(s, "k", 5, "v"))
	c := newTestCache(src, nil)

	if got := cellValue(t, readPoint(t, c, s, "k")); got != "v" {
		t.Fatalf("first read got %q", got)
	}
	if c.Len() != 1 {
		t.Fatalf("read did not populate, len=%d", c.Len())
	}
	before := src.reads.Load()
	if got := cellValue(t, readPoint(t, c, s, "k")); got != "v" {
		t.Fatalf("second read got %q", got)
	}
	if src.reads.Load() != before {
		t.Fatalf("cache hit still consulted the source")
	}
}

func TestInvalidateForcesRepopulation(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	src.put(mut(s, "k", 5, "v"))
	c := newTestCache(src, nil)

	if got := cellValue(t, readPoint(t, c, s, "k")); got != "v" {
		t.Fatalf("priming read got %q", got)
	}
	c.Invalidate(schema.DecorateKey([]byte("k")))
	if c.Len() != 0 {
		t.Fatalf("invalidate left the entry behind")
	}

	before := src.reads.Load()
	if got := cellValue(t, readPoint(t, c, s, "k")); got != "v" {
		t.Fatalf("read after invalidate got %q", got)
	}
	if src.reads.Load() == before {
		t.Fatalf("read after invalidate served stale cached data")
	}
}

func TestScanWalksSourceInTokenOrder(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	for _, k := range []string{"a", "b", "c", "d"} {
		src.put(mut(s, k, 1, k))
	}
	c := newTestCache(src, nil)

	tokens := drainScan(t, c, s)
	if len(tokens) != 4 {
		t.Fatalf("scan returned %d partitions, want 4", len(tokens))
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i-1] >= tokens[i] {
			t.Fatalf("scan out of order: %v", tokens)
		}
	}
	if c.Len() != 4 {
		t.Fatalf("scan populated %d entries, want 4", c.Len())
	}

	// a second scan is served entirely from cache
	before := src.reads.Load()
	if got := drainScan(t, c, s); len(got) != 4 {
		t.Fatalf("second scan returned %d partitions", len(got))
	}
	// only the unproven edges (before the first entry, after the last) may
	// consult the source again; the continuous middle run may not
	if src.reads.Load() > before+2 {
		t.Fatalf("continuous run still re-read the source %d times", src.reads.Load()-before)
	}
}

func TestContinuityProvesAbsence(t *testing.T) {
	s := testSchema()
	ordered := tokenOrdered("k0", "k1", "k2", "k3", "k4")
	lo, absent, hi := ordered[0], ordered[1], ordered[2]

	src := newFakeSource(s)
	src.put(mut(s, lo, 1, lo))
	src.put(mut(s, hi, 1, hi))
	c := newTestCache(src, nil)

	drainScan(t, c, s)

	before := src.reads.Load()
	if m := readPoint(t, c, s, absent); m != nil {
		t.Fatalf("absent key returned data")
	}
	if src.reads.Load() != before {
		t.Fatalf("continuity proof failed: the source was consulted")
	}
}

func TestPhaseGuardedPopulation(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	src.put(mut(s, "k", 5, "v"))
	c := newTestCache(src, nil)

	// the invalidation lands after the populator snapshotted the phase but
	// before it commits; the read must serve data without caching it
	fired := false
	src.onRead = func() {
		if !fired {
			fired = true
			c.Invalidate(schema.DecorateKey([]byte("k")))
		}
	}

	if got := cellValue(t, readPoint(t, c, s, "k")); got != "v" {
		t.Fatalf("read got %q", got)
	}
	if c.Len() != 0 {
		t.Fatalf("population committed across an invalidation")
	}
}

func TestUpdateMergesFlushedDataIntoCachedEntry(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	src.put(mut(s, "k", 5, "old"))
	c := newTestCache(src, nil)

	// cache the pre-flush state
	if got := cellValue(t, readPoint(t, c, s, "k")); got != "old" {
		t.Fatalf("seed read got %q", got)
	}

	mt := memtable.New(1, s, nil)
	if err := mt.Apply(mut(s, "k", 10, "new"), types.ReplayPosition{Segment: 1, Offset: 1}); err != nil {
		t.Fatalf("memtable apply: %v", err)
	}
	mt.Seal()
	src.put(mut(s, "k", 10, "new")) // the flush made it durable
	if err := c.Update(mt, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	before := src.reads.Load()
	if got := cellValue(t, readPoint(t, c, s, "k")); got != "new" {
		t.Fatalf("cached entry served stale data %q after flush", got)
	}
	if src.reads.Load() != before {
		t.Fatalf("merged entry should have been a hit")
	}
}

func TestUpdateInsertsOnlyProvenAbsentKeys(t *testing.T) {
	s := testSchema()
	ordered := tokenOrdered("q0", "q1", "q2", "q3", "q4")
	lo, gapKey, hi := ordered[0], ordered[1], ordered[2]

	src := newFakeSource(s)
	src.put(mut(s, lo, 1, lo))
	src.put(mut(s, hi, 1, hi))
	c := newTestCache(src, nil)
	drainScan(t, c, s) // proves the gap between lo and hi empty

	mt := memtable.New(1, s, nil)
	if err := mt.Apply(mut(s, gapKey, 10, "flushed"), types.ReplayPosition{Segment: 1, Offset: 1}); err != nil {
		t.Fatalf("memtable apply: %v", err)
	}
	mt.Seal()
	src.put(mut(s, gapKey, 10, "flushed"))
	if err := c.Update(mt, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	before := src.reads.Load()
	if got := cellValue(t, readPoint(t, c, s, gapKey)); got != "flushed" {
		t.Fatalf("got %q", got)
	}
	if src.reads.Load() != before {
		t.Fatalf("continuity-proven key was not cached by the update")
	}
}

func TestUpdateHonorsPresenceChecker(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	c := newTestCache(src, nil)

	mt := memtable.New(1, s, nil)
	if err := mt.Apply(mut(s, "k", 10, "flushed"), types.ReplayPosition{Segment: 1, Offset: 1}); err != nil {
		t.Fatalf("memtable apply: %v", err)
	}
	mt.Seal()
	src.put(mut(s, "k", 10, "flushed"))

	absent := func(schema.DecoratedKey) reader.Presence { return reader.DefinitelyAbsent }
	if err := c.Update(mt, absent); err != nil {
		t.Fatalf("update: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("presence-proven key was not cached")
	}
	before := src.reads.Load()
	if got := cellValue(t, readPoint(t, c, s, "k")); got != "flushed" {
		t.Fatalf("got %q", got)
	}
	if src.reads.Load() != before {
		t.Fatalf("inserted entry should have been a hit")
	}
}

func TestUpdateLeavesUnprovenKeysUncached(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	c := newTestCache(src, nil)

	mt := memtable.New(1, s, nil)
	if err := mt.Apply(mut(s, "k", 10, "flushed"), types.ReplayPosition{Segment: 1, Offset: 1}); err != nil {
		t.Fatalf("memtable apply: %v", err)
	}
	mt.Seal()
	src.put(mut(s, "k", 10, "flushed"))

	maybe := func(schema.DecoratedKey) reader.Presence { return reader.MaybePresent }
	if err := c.Update(mt, maybe); err != nil {
		t.Fatalf("update: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("unproven key was cached; it could shadow older durable data")
	}
	if got := cellValue(t, readPoint(t, c, s, "k")); got != "flushed" {
		t.Fatalf("read through got %q", got)
	}
}

func TestInvalidateClearsNeighborContinuity(t *testing.T) {
	s := testSchema()
	ordered := tokenOrdered("w0", "w1", "w2", "w3", "w4")
	lo, absent, hi := ordered[0], ordered[1], ordered[2]

	src := newFakeSource(s)
	src.put(mut(s, lo, 1, lo))
	src.put(mut(s, hi, 1, hi))
	c := newTestCache(src, nil)
	drainScan(t, c, s)

	c.Invalidate(schema.DecorateKey([]byte(lo)))

	// the gap below hi is no longer proven; the miss must go to the source
	before := src.reads.Load()
	if m := readPoint(t, c, s, absent); m != nil {
		t.Fatalf("absent key returned data")
	}
	if src.reads.Load() == before {
		t.Fatalf("stale continuity proof survived the invalidation")
	}
}

func TestFailedPopulationDoesNotProveContinuity(t *testing.T) {
	s := testSchema()
	ordered := tokenOrdered("f0", "f1", "f2", "f3", "f4")
	first, middle, last := ordered[0], ordered[1], ordered[2]

	src := newFakeSource(s)
	for _, k := range []string{first, middle, last} {
		src.put(mut(s, k, 1, k))
	}
	ar := arena.New(1 << 20)
	c := newTestCache(src, ar)
	if err := c.Populate(mut(s, last, 1, last), nil); err != nil {
		t.Fatalf("populate: %v", err)
	}

	// the middle key's insert fails its reservation mid-scan, leaving a hole
	// between the first key and the cached last one; the gap walked to its
	// end must not mark the last entry continuous across that hole
	rd := c.MakeReader(s, reader.FullKeyRange(), reader.FullSlice())
	seen := 0
	for {
		m, err := rd.Next()
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if m == nil {
			break
		}
		seen++
		if m.Key.Token == schema.DecorateKey([]byte(first)).Token {
			ar.FailAllocs(0)
		}
	}
	rd.Close()
	if seen != 3 {
		t.Fatalf("scan returned %d partitions, want 3", seen)
	}

	if got := cellValue(t, readPoint(t, c, s, middle)); got != middle {
		t.Fatalf("read of the uncached key got %q, want %q", got, middle)
	}
}

func TestScanCountsOneMissPerGap(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	for _, k := range []string{"a", "b", "c"} {
		src.put(mut(s, k, 1, k))
	}
	reg := metrics.NewRegistry()
	c := New(nil, NewTracker(DefaultTrackerConfig(), nil), src.source, reg, nil)

	if got := drainScan(t, c, s); len(got) != 3 {
		t.Fatalf("scan returned %d partitions, want 3", len(got))
	}
	if n := reg.Counter("cache_misses", nil); n != 1 {
		t.Fatalf("one gap read counted %v misses", n)
	}
}

func TestEvictionSparesWideTail(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.WideEvictionRatio = 1 << 30 // the rare wide eviction never fires
	tr := NewTracker(cfg, nil)

	wide := &entry{size: cfg.WideThreshold}
	tr.insert(wide)
	small := &entry{size: 1}
	tr.insert(small) // most recently used; the wide entry sits at the tail

	for i := 0; i < 100; i++ {
		if v := tr.victim(); v != small {
			t.Fatalf("eviction took the wide tail entry on decision %d", i)
		}
	}

	// with nothing else to take the wide entry still goes
	tr.remove(small)
	if v := tr.victim(); v != wide {
		t.Fatalf("a lone wide entry must stay evictable")
	}
}

func TestOversizedPartitionCachedAsMarker(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	src.put(mut(s, "k", 5, "v"))
	cfg := DefaultTrackerConfig()
	cfg.WideCacheCeiling = 1 // every partition is too large to cache
	c := New(nil, NewTracker(cfg, nil), src.source, nil, nil)

	if got := cellValue(t, readPoint(t, c, s, "k")); got != "v" {
		t.Fatalf("first read got %q", got)
	}
	if c.Len() != 1 {
		t.Fatalf("marker entry missing, len=%d", c.Len())
	}

	// the marker caches nothing; every read goes back to the source
	before := src.reads.Load()
	if got := cellValue(t, readPoint(t, c, s, "k")); got != "v" {
		t.Fatalf("second read got %q", got)
	}
	if src.reads.Load() == before {
		t.Fatalf("read of an uncacheable partition served cached data")
	}

	if got := drainScan(t, c, s); len(got) != 1 {
		t.Fatalf("scan over a marker returned %d partitions, want 1", len(got))
	}
}

func TestPopulateHintMarksContinuity(t *testing.T) {
	s := testSchema()
	ordered := tokenOrdered("h0", "h1", "h2", "h3", "h4")
	lo, between, hi := ordered[0], ordered[1], ordered[2]

	src := newFakeSource(s)
	c := newTestCache(src, nil)
	if err := c.Populate(mut(s, lo, 1, lo), nil); err != nil {
		t.Fatalf("populate: %v", err)
	}
	prev := schema.DecorateKey([]byte(lo))
	if err := c.Populate(mut(s, hi, 1, hi), &prev); err != nil {
		t.Fatalf("populate with hint: %v", err)
	}

	// the hint proved the gap between lo and hi empty
	before := src.reads.Load()
	if m := readPoint(t, c, s, between); m != nil {
		t.Fatalf("key between hinted neighbors returned data")
	}
	if src.reads.Load() != before {
		t.Fatalf("hinted continuity did not prove absence; the source was consulted")
	}

	// a hint that does not name the actual left neighbor proves nothing
	c2 := newTestCache(src, nil)
	if err := c2.Populate(mut(s, lo, 1, lo), nil); err != nil {
		t.Fatalf("populate: %v", err)
	}
	wrong := schema.DecorateKey([]byte(ordered[3]))
	if err := c2.Populate(mut(s, hi, 1, hi), &wrong); err != nil {
		t.Fatalf("populate with hint: %v", err)
	}
	before = src.reads.Load()
	if m := readPoint(t, c2, s, between); m != nil {
		t.Fatalf("key between unrelated entries returned data")
	}
	if src.reads.Load() == before {
		t.Fatalf("an unmatched hint still marked the entry continuous")
	}
}

func TestArenaEvictionFreesEntries(t *testing.T) {
	s := testSchema()
	src := newFakeSource(s)
	ar := arena.New(1 << 20)
	c := newTestCache(src, ar)

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := c.Populate(mut(s, k, 1, k), nil); err != nil {
			t.Fatalf("populate: %v", err)
		}
	}
	used := ar.Used()
	if used <= 0 || c.Len() != 4 {
		t.Fatalf("populate accounted %d bytes over %d entries", used, c.Len())
	}

	freed := ar.Reclaim(1)
	if freed <= 0 {
		t.Fatalf("reclaim freed nothing")
	}
	if c.Len() != 3 {
		t.Fatalf("eviction removed %d entries, want 1", 4-c.Len())
	}
	if ar.Used() >= used {
		t.Fatalf("eviction did not release accounting")
	}
}
