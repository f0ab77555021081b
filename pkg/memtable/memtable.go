// Package memtable implements the mutable in-memory generation of a table:
// partitions indexed by encoded decorated key, merged in place under
// arena accounting, sealed and drained in key order when flushed.
package memtable

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/zmyer/scylla-sub000/pkg/arena"
	"github.com/zmyer/scylla-sub000/pkg/dberrors"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

// State is the lifecycle stage of a memtable generation.
type State int32

const (
	// StateActive accepts writes.
	StateActive State = iota
	// StateSealed rejects writes; a flush may drain it.
	StateSealed
	// StateFlushed has been fully drained to the durable layer.
	StateFlushed
	// StateDestroyed has released its memory.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSealed:
		return "sealed"
	case StateFlushed:
		return "flushed"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// entryIndex orders partitions by encoded decorated key.
type entryIndex = skipmap.FuncMap[[]byte, *partitionEntry]

func newIndex() *entryIndex {
	return skipmap.NewFunc[[]byte, *partitionEntry](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// partitionEntry is one partition held by the memtable. The entry mutex
// covers the partition and its schema; the skipmap handles index concurrency.
type partitionEntry struct {
	mu     sync.Mutex
	key    schema.DecoratedKey
	schema *schema.Schema
	p      *partition.MutationPartition
	size   int64
}

// touch upgrades the entry to the target schema revision. Callers hold the
// entry mutex. Columns the target schema does not know are dropped.
func (e *partitionEntry) touch(target *schema.Schema) {
	if e.schema.Version == target.Version {
		return
	}
	e.p = e.p.Project(target, e.schema)
	e.schema = target
}

// Memtable is one generation of in-memory writes for a table.
type Memtable struct {
	gen   uint64
	arena *arena.Arena

	state    atomic.Int32
	flushing atomic.Bool
	schema   atomic.Pointer[schema.Schema]
	entries  *entryIndex
	size     atomic.Int64

	mu        sync.Mutex
	highWater types.ReplayPosition
}

// New returns an empty active memtable for generation gen.
func New(gen uint64, s *schema.Schema, ar *arena.Arena) *Memtable {
	mt := &Memtable{gen: gen, arena: ar, entries: newIndex()}
	mt.schema.Store(s)
	return mt
}

// Gen returns the generation number.
func (mt *Memtable) Gen() uint64 { return mt.gen }

// State returns the current lifecycle stage.
func (mt *Memtable) State() State { return State(mt.state.Load()) }

// Size returns the accounted size in bytes.
func (mt *Memtable) Size() int64 { return mt.size.Load() }

// IsEmpty reports whether no partition has been written.
func (mt *Memtable) IsEmpty() bool { return mt.entries.Len() == 0 }

// Schema returns the target schema revision.
func (mt *Memtable) Schema() *schema.Schema { return mt.schema.Load() }

// SetSchema moves the memtable to a newer schema revision. Existing entries
// upgrade lazily on their next read or write touch.
func (mt *Memtable) SetSchema(s *schema.Schema) { mt.schema.Store(s) }

// HighWater returns the largest replay position applied so far.
func (mt *Memtable) HighWater() types.ReplayPosition {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.highWater
}

func (mt *Memtable) advanceHighWater(pos types.ReplayPosition) {
	mt.mu.Lock()
	if mt.highWater.Less(pos) {
		mt.highWater = pos
	}
	mt.mu.Unlock()
}

// countingAlloc forwards reservations to the arena and remembers how much
// was granted, so failed applies can hand the bytes back.
type countingAlloc struct {
	a *arena.Arena
	n int64
}

func (c *countingAlloc) Reserve(n int64) error {
	if c.a == nil {
		return nil
	}
	if err := c.a.Reserve(n); err != nil {
		return err
	}
	c.n += n
	return nil
}

// entryOverhead approximates the fixed cost of an index entry.
const entryOverhead = 128

// Apply merges one mutation into the memtable and advances the replay
// high-water mark. Applying to a sealed memtable fails with ErrSealed. On
// allocation failure the reservation is returned and the error reported; the
// entry stays structurally valid and retrying the same mutation converges.
func (mt *Memtable) Apply(m *partition.Mutation, pos types.ReplayPosition) error {
	if mt.State() != StateActive {
		return dberrors.ErrSealed
	}
	target := mt.schema.Load()
	encoded := schema.EncodeKey(m.Key)

	e, loaded := mt.entries.LoadOrStoreLazy(encoded, func() *partitionEntry {
		return &partitionEntry{key: m.Key, schema: target, p: partition.New(target)}
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch(target)

	alloc := &countingAlloc{a: mt.arena}
	if !loaded {
		if err := alloc.Reserve(entryOverhead + int64(len(encoded))); err != nil {
			return fmt.Errorf("memtable apply %x: %w", m.Key.Token, err)
		}
	}
	if err := e.p.Apply(target, m.Partition, m.Schema, alloc); err != nil {
		if mt.arena != nil {
			mt.arena.Release(alloc.n)
		}
		return fmt.Errorf("memtable apply %x: %w", m.Key.Token, err)
	}

	e.size += alloc.n
	mt.size.Add(alloc.n)
	mt.advanceHighWater(pos)
	return nil
}

// Seal stops accepting writes. Sealing twice is a programming error.
func (mt *Memtable) Seal() {
	if !mt.state.CompareAndSwap(int32(StateActive), int32(StateSealed)) {
		panic(fmt.Sprintf("memtable: seal from state %s", mt.State()))
	}
}

// MarkFlushed records that the generation is fully durable.
func (mt *Memtable) MarkFlushed() {
	if !mt.state.CompareAndSwap(int32(StateSealed), int32(StateFlushed)) {
		panic(fmt.Sprintf("memtable: flushed from state %s", mt.State()))
	}
}

// clearBatch bounds how many entries one Clear step removes before yielding
// the index to concurrent readers.
const clearBatch = 128

// Destroy releases the generation's memory. Only flushed (or still-empty
// sealed) memtables may be destroyed.
func (mt *Memtable) Destroy() {
	prev := State(mt.state.Swap(int32(StateDestroyed)))
	if prev != StateFlushed && !(prev == StateSealed && mt.IsEmpty()) {
		panic(fmt.Sprintf("memtable: destroy from state %s", prev))
	}
	mt.Clear()
}

// Clear removes every entry in batches and releases the accounted bytes.
func (mt *Memtable) Clear() {
	for {
		batch := make([][]byte, 0, clearBatch)
		mt.entries.Range(func(k []byte, _ *partitionEntry) bool {
			batch = append(batch, k)
			return len(batch) < clearBatch
		})
		if len(batch) == 0 {
			return
		}
		for _, k := range batch {
			e, ok := mt.entries.Load(k)
			if !ok {
				continue
			}
			mt.entries.Delete(k)
			e.mu.Lock()
			sz := e.size
			e.size = 0
			e.mu.Unlock()
			if sz > 0 {
				mt.size.Add(-sz)
				if mt.arena != nil {
					mt.arena.Release(sz)
				}
			}
		}
	}
}

// snapshot reads one entry as a standalone mutation under the target schema.
func (mt *Memtable) snapshot(e *partitionEntry) *partition.Mutation {
	target := mt.schema.Load()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch(target)
	return &partition.Mutation{Schema: target, Key: e.key, Partition: e.p.Clone(target)}
}

// Get returns a snapshot of the partition stored under key, if any.
func (mt *Memtable) Get(key schema.DecoratedKey) (*partition.Mutation, bool) {
	e, ok := mt.entries.Load(schema.EncodeKey(key))
	if !ok {
		return nil, false
	}
	return mt.snapshot(e), true
}
