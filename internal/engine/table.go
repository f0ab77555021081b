// Package engine ties the storage layers together: an active memtable taking
// writes, sealed memtables draining through a background flusher into
// immutable sstables, and the row cache layered over the durable tables.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipset"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zmyer/scylla-sub000/pkg/arena"
	"github.com/zmyer/scylla-sub000/pkg/cache"
	"github.com/zmyer/scylla-sub000/pkg/clock"
	"github.com/zmyer/scylla-sub000/pkg/config"
	"github.com/zmyer/scylla-sub000/pkg/dberrors"
	"github.com/zmyer/scylla-sub000/pkg/memtable"
	"github.com/zmyer/scylla-sub000/pkg/metrics"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/reader"
	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/sstable"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

// Table owns one table's write and read path.
type Table struct {
	cfg config.Storage
	log *slog.Logger
	mc  metrics.Collector

	ar  *arena.Arena
	gen *clock.AtomicClock // memtable and sstable generations
	seg *clock.AtomicClock // replay segment, one per rotation
	off *clock.AtomicClock // write offset within the current segment

	schema atomic.Pointer[schema.Schema]
	active atomic.Pointer[memtable.Memtable]

	mu        sync.Mutex
	sealed    []*memtable.Memtable // oldest first, awaiting flush
	tables    []*sstable.Table     // durable layer, oldest first
	flushDone chan struct{}        // replaced after every completed flush

	pending *skipset.Uint64Set // generations queued for flush
	cache   *cache.Cache

	flushCh chan *memtable.Memtable
	g       *errgroup.Group
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// New builds a table over a fresh arena. Start must be called before writes
// can rotate into the durable layer.
func New(cfg config.Storage, s *schema.Schema, mc metrics.Collector, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	t := &Table{
		cfg:       cfg,
		log:       log,
		mc:        mc,
		ar:        arena.New(cfg.Arena.BudgetBytes),
		gen:       clock.NewAtomic(0),
		seg:       clock.NewAtomic(1),
		off:       clock.NewAtomic(0),
		pending:   skipset.NewUint64(),
		flushDone: make(chan struct{}),
		flushCh:   make(chan *memtable.Memtable, cfg.Memtable.FlushChanBuffSize),
	}
	t.schema.Store(s)
	t.active.Store(memtable.New(t.gen.Next(), s, t.ar))
	tr := cache.NewTracker(cache.TrackerConfig{
		WideEvictionRatio: cfg.Cache.WideEvictionRatio,
		WideThreshold:     cfg.Cache.WideThresholdBytes,
		WideCacheCeiling:  cfg.Cache.WideCacheCeilingBytes,
		EvictionPassRate:  rate.Limit(cfg.Cache.EvictionPassRate),
		EvictionPassBurst: cfg.Cache.EvictionPassBurst,
	}, mc)
	t.cache = cache.New(t.ar, tr, t.durableSource, mc, log)
	return t
}

// Start launches the background flusher.
func (t *Table) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.g, ctx = errgroup.WithContext(ctx)
	gctx := ctx
	t.g.Go(func() error { return t.flushLoop(gctx) })
}

// Close drains pending flushes and stops the flusher.
func (t *Table) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if t.g != nil {
		err = t.Flush(context.Background())
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.g != nil {
		if werr := t.g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) && err == nil {
			err = werr
		}
	}
	return err
}

// Schema returns the table's current schema.
func (t *Table) Schema() *schema.Schema { return t.schema.Load() }

// SetSchema installs a new schema version. Memtable entries upgrade lazily on
// their next touch; cached partitions are projected on read.
func (t *Table) SetSchema(s *schema.Schema) {
	t.schema.Store(s)
	t.active.Load().SetSchema(s)
}

// Cache exposes the row cache, mainly for invalidation endpoints.
func (t *Table) Cache() *cache.Cache { return t.cache }

// Arena exposes the table's memory arena.
func (t *Table) Arena() *arena.Arena { return t.ar }

// Apply routes one mutation to the active memtable, retrying across a
// concurrent rotation, and rotates when the flush threshold is reached.
func (t *Table) Apply(m *partition.Mutation) error {
	if t.closed.Load() {
		return dberrors.ErrClosed
	}
	pos := types.ReplayPosition{Segment: t.seg.Val(), Offset: t.off.Next()}
	for {
		mt := t.active.Load()
		err := mt.Apply(m, pos)
		if err == nil {
			break
		}
		if errors.Is(err, dberrors.ErrSealed) {
			continue // lost a race with rotation, the new active takes it
		}
		return err
	}
	if t.active.Load().Size() >= t.cfg.Memtable.FlushThresholdBytes {
		t.rotate(false)
	}
	return nil
}

// ApplyBatch applies mutations in order, stopping at the first failure.
func (t *Table) ApplyBatch(ms []*partition.Mutation) error {
	for i, m := range ms {
		if err := t.Apply(m); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return nil
}

// rotate seals the active memtable and hands it to the flusher. With force
// set an active memtable below the threshold rotates too; empty memtables
// never do.
func (t *Table) rotate(force bool) {
	t.mu.Lock()
	mt := t.active.Load()
	if mt.IsEmpty() || (!force && mt.Size() < t.cfg.Memtable.FlushThresholdBytes) {
		t.mu.Unlock()
		return
	}
	mt.Seal()
	t.sealed = append(t.sealed, mt)
	t.pending.Add(mt.Gen())
	t.seg.Next()
	t.active.Store(memtable.New(t.gen.Next(), t.schema.Load(), t.ar))
	t.mu.Unlock()

	// the channel send happens outside the lock: a full flush queue must
	// stall the writer, not every reader
	t.flushCh <- mt
	t.log.Debug("memtable sealed", "gen", mt.Gen(), "bytes", mt.Size())
}

// Flush rotates the active memtable and waits until every queued generation
// is durable.
func (t *Table) Flush(ctx context.Context) error {
	t.rotate(true)
	for {
		t.mu.Lock()
		done := t.flushDone
		n := t.pending.Len()
		t.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

func (t *Table) flushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case mt := <-t.flushCh:
			if err := t.flushOne(mt); err != nil {
				return err
			}
		}
	}
}

// flushOne writes a sealed memtable into an sstable, reconciles the cache
// with the flushed data, and only then drops the memtable from the read set.
func (t *Table) flushOne(mt *memtable.Memtable) error {
	start := time.Now()
	var drained atomic.Int64
	fr, err := mt.MakeFlushReader(func(delta int64) { drained.Add(delta) })
	if err != nil {
		return fmt.Errorf("flush gen %d: %w", mt.Gen(), err)
	}

	tbl, err := sstable.Build(mt.Gen(), fr)
	if err != nil {
		fr.Abort()
		return fmt.Errorf("flush gen %d: %w", mt.Gen(), err)
	}

	// presence of other durable data is judged against the tables that
	// existed before this flush; the new table holds exactly the flushed keys
	t.mu.Lock()
	older := append([]*sstable.Table(nil), t.tables...)
	t.tables = append(t.tables, tbl)
	t.mu.Unlock()

	mt.MarkFlushed()
	if err := t.cache.Update(mt, combinePresence(older)); err != nil {
		return fmt.Errorf("cache update gen %d: %w", mt.Gen(), err)
	}

	t.mu.Lock()
	for i, s := range t.sealed {
		if s == mt {
			t.sealed = append(t.sealed[:i], t.sealed[i+1:]...)
			break
		}
	}
	t.pending.Remove(mt.Gen())
	close(t.flushDone)
	t.flushDone = make(chan struct{})
	t.mu.Unlock()

	mt.Destroy()
	if t.mc != nil {
		t.mc.IncCounter("memtable_flushes", nil, 1)
		t.mc.ObserveHistogram("memtable_flush_bytes", nil, float64(drained.Load()))
	}
	t.log.Info("memtable flushed",
		"gen", mt.Gen(),
		"partitions", tbl.Count(),
		"bytes", drained.Load(),
		"took", time.Since(start))
	return nil
}

// combinePresence answers DefinitelyAbsent only when every table agrees.
func combinePresence(tables []*sstable.Table) reader.PresenceChecker {
	checks := make([]reader.PresenceChecker, len(tables))
	for i, tbl := range tables {
		checks[i] = tbl.Presence()
	}
	return func(key schema.DecoratedKey) reader.Presence {
		for _, check := range checks {
			if check(key) == reader.MaybePresent {
				return reader.MaybePresent
			}
		}
		return reader.DefinitelyAbsent
	}
}

// durableSource is the cache's read-through into the sstable layer.
func (t *Table) durableSource(s *schema.Schema, r reader.KeyRange, slice reader.ClusteringSlice) reader.PartitionReader {
	t.mu.Lock()
	tables := append([]*sstable.Table(nil), t.tables...)
	t.mu.Unlock()
	if len(tables) == 0 {
		return reader.Empty()
	}
	readers := make([]reader.PartitionReader, len(tables))
	for i, tbl := range tables {
		readers[i] = tbl.Source()(s, r, slice)
	}
	return reader.Combine(s, readers...)
}

// MakeReader returns a reader over the full table: the cache (fronting the
// durable layer) overlaid with every memtable still holding unflushed data.
func (t *Table) MakeReader(s *schema.Schema, r reader.KeyRange, slice reader.ClusteringSlice) reader.PartitionReader {
	t.mu.Lock()
	rs := []reader.PartitionReader{t.cache.MakeReader(s, r, slice)}
	for _, mt := range t.sealed {
		rs = append(rs, mt.MakeReader(s, r, slice))
	}
	t.mu.Unlock()
	rs = append(rs, t.active.Load().MakeReader(s, r, slice))
	return reader.Combine(s, rs...)
}

// Get reads a single partition through all layers.
func (t *Table) Get(key schema.DecoratedKey) (*partition.Mutation, error) {
	rd := t.MakeReader(t.schema.Load(), reader.SingleKey(key), reader.FullSlice())
	defer rd.Close()
	m, err := rd.Next()
	if err != nil {
		return nil, err
	}
	if m == nil || m.Partition.Empty() {
		return nil, dberrors.ErrNotFound
	}
	return m, nil
}

// Stats is a point-in-time view of the table's layers.
type Stats struct {
	ArenaUsed       int64  `json:"arena_used"`
	ArenaBudget     int64  `json:"arena_budget"`
	MemtableBytes   int64  `json:"memtable_bytes"`
	SealedMemtables int    `json:"sealed_memtables"`
	PendingFlushes  int    `json:"pending_flushes"`
	SSTables        int    `json:"sstables"`
	CacheEntries    int    `json:"cache_entries"`
	ReplaySegment   uint64 `json:"replay_segment"`
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	sealed := len(t.sealed)
	tables := len(t.tables)
	t.mu.Unlock()
	return Stats{
		ArenaUsed:       t.ar.Used(),
		ArenaBudget:     t.ar.Budget(),
		MemtableBytes:   t.active.Load().Size(),
		SealedMemtables: sealed,
		PendingFlushes:  t.pending.Len(),
		SSTables:        tables,
		CacheEntries:    t.cache.Len(),
		ReplaySegment:   t.seg.Val(),
	}
}
