// Package arena implements the shared memory region backing memtable and
// cache entries. It does byte-level accounting against a budget, can reclaim
// space by calling registered evictors, and exposes a monotonic reclaim
// counter that long-running readers use to detect that positions they held
// across a suspension point may have been invalidated.
package arena

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zmyer/scylla-sub000/pkg/dberrors"
)

const chunkSize = 64 * 1024

// EvictFn releases up to need bytes and returns how many it actually freed.
type EvictFn func(need int64) int64

// Arena is a budgeted allocator shared by the memtable and the row cache.
// Either side may be shrunk to satisfy the other.
type Arena struct {
	budget   int64
	used     atomic.Int64
	reclaims atomic.Uint64
	pins     atomic.Int32

	// fault injection for allocation-atomicity tests; -1 means disabled
	failAfter atomic.Int64

	mu       sync.Mutex
	evictors []EvictFn

	bmu   sync.Mutex
	chunk []byte
	off   int
}

// New returns an arena with the given budget in bytes. A non-positive budget
// disables the limit (accounting still runs).
func New(budget int64) *Arena {
	a := &Arena{budget: budget}
	a.failAfter.Store(-1)
	return a
}

// Used returns the currently accounted bytes.
func (a *Arena) Used() int64 { return a.used.Load() }

// Budget returns the configured limit, zero meaning unlimited.
func (a *Arena) Budget() int64 { return a.budget }

// RegisterEvictor adds a reclaim hook. Hooks run in registration order until
// enough memory is freed.
func (a *Arena) RegisterEvictor(fn EvictFn) {
	a.mu.Lock()
	a.evictors = append(a.evictors, fn)
	a.mu.Unlock()
}

// Reserve accounts n bytes, reclaiming from the registered evictors when the
// budget would be exceeded. It fails with dberrors.ErrAllocation when nothing
// more can be reclaimed; the caller's structures must stay consistent.
func (a *Arena) Reserve(n int64) error {
	if v := a.failAfter.Load(); v >= 0 {
		if v == 0 {
			a.failAfter.Store(-1)
			return dberrors.ErrAllocation
		}
		a.failAfter.Add(-1)
	}
	for {
		used := a.used.Add(n)
		if a.budget <= 0 || used <= a.budget {
			return nil
		}
		a.used.Add(-n)
		if a.tryReclaim(used-a.budget) == 0 {
			return dberrors.ErrAllocation
		}
	}
}

// Release returns n previously reserved bytes.
func (a *Arena) Release(n int64) {
	if a.used.Add(-n) < 0 {
		panic("arena: released more than reserved")
	}
}

// Pin forbids reclaim until the matching Unpin. Code that dereferences raw
// positions across a potential reclaim point holds a pin for the duration.
func (a *Arena) Pin() { a.pins.Add(1) }

// Unpin releases a pin taken with Pin.
func (a *Arena) Unpin() {
	if a.pins.Add(-1) < 0 {
		panic("arena: unbalanced Unpin")
	}
}

// ReclaimCounter returns the number of reclaim passes that ever ran. Readers
// snapshot it before suspending and re-seek when it moved.
func (a *Arena) ReclaimCounter() uint64 { return a.reclaims.Load() }

// Reclaim runs a reclaim pass for up to need bytes and returns the amount
// freed. Calling it while the arena is pinned is a programming error.
func (a *Arena) Reclaim(need int64) int64 {
	if a.pins.Load() > 0 {
		panic("arena: reclaim inside pinned section")
	}
	return a.tryReclaim(need)
}

func (a *Arena) tryReclaim(need int64) int64 {
	if a.pins.Load() > 0 {
		return 0
	}
	a.reclaims.Add(1)
	a.mu.Lock()
	evictors := a.evictors
	a.mu.Unlock()

	var freed int64
	for _, fn := range evictors {
		freed += fn(need - freed)
		if freed >= need {
			break
		}
	}
	if freed > 0 {
		slog.Debug("arena reclaim", "need", need, "freed", freed, "used", a.used.Load())
	}
	return freed
}

// FailAllocs arms fault injection: the allocation after `after` successful
// ones fails with ErrAllocation, then injection disarms itself.
func (a *Arena) FailAllocs(after int64) { a.failAfter.Store(after) }

// CopyBytes copies p into arena-owned chunk storage and returns the copy.
// Chunks are handed out append-only; old chunks stay alive while references
// into them remain reachable.
func (a *Arena) CopyBytes(p []byte) []byte {
	a.bmu.Lock()
	defer a.bmu.Unlock()
	if a.off+len(p) > len(a.chunk) {
		sz := chunkSize
		if len(p) > sz {
			sz = len(p)
		}
		a.chunk = make([]byte, sz)
		a.off = 0
	}
	dst := a.chunk[a.off : a.off+len(p)]
	a.off += len(p)
	copy(dst, p)
	return dst
}
