// Package clock provides monotonic counters for generation numbers and
// replay positions.
package clock

import "sync/atomic"

// AtomicClock is a lock-free monotonic counter. The storage layer uses one
// per sequence it hands out: memtable generations, replay segments and
// per-segment write offsets.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

// Next advances the counter and returns the new value.
func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}
