// Package cache implements the row cache: a reconciled, read-through view of
// the durable layer keyed by decorated partition key, with an explicit
// continuity protocol that lets reads prove a key absent without touching
// the layers below.
package cache

import (
	"sync/atomic"

	"github.com/zhangyunhao116/fastrand"
	"golang.org/x/time/rate"

	"github.com/zmyer/scylla-sub000/pkg/metrics"
)

// TrackerConfig tunes eviction behavior.
type TrackerConfig struct {
	// WideEvictionRatio N lets roughly one eviction decision in N take a
	// wide entry sitting at the LRU tail; the rest spare it and evict the
	// nearest normal entry instead, since wide partitions are expensive to
	// repopulate.
	WideEvictionRatio uint32
	// WideThreshold is the accounted size beyond which an entry counts as a
	// wide partition.
	WideThreshold int64
	// WideCacheCeiling is the accounted size beyond which a partition is not
	// cached at all: only a marker entry keeping the continuity chain intact
	// is kept, and reads for the key always go back to the durable layer.
	WideCacheCeiling int64
	// EvictionPassRate throttles proactive eviction passes; the arena-driven
	// path is never throttled.
	EvictionPassRate  rate.Limit
	EvictionPassBurst int
}

// DefaultTrackerConfig returns the tuning the engine ships with.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		WideEvictionRatio: 1000,
		WideThreshold:     128 << 10,
		WideCacheCeiling:  4 << 20,
		EvictionPassRate:  rate.Limit(8),
		EvictionPassBurst: 2,
	}
}

// wideSample bounds how far past a spared wide tail entry the search for a
// normal victim looks.
const wideSample = 16

// Tracker owns the cache's LRU order and the population phase counter. All
// list operations require the owning cache's mutex; only the phase counter is
// safe to read without it.
type Tracker struct {
	cfg     TrackerConfig
	phase   atomic.Uint64
	limiter *rate.Limiter
	mc      metrics.Collector

	// most recently used at head
	head, tail *entry
	count      int
}

// NewTracker returns a tracker with the given tuning.
func NewTracker(cfg TrackerConfig, mc metrics.Collector) *Tracker {
	if cfg.WideEvictionRatio == 0 {
		cfg.WideEvictionRatio = DefaultTrackerConfig().WideEvictionRatio
	}
	if cfg.WideThreshold == 0 {
		cfg.WideThreshold = DefaultTrackerConfig().WideThreshold
	}
	if cfg.WideCacheCeiling == 0 {
		cfg.WideCacheCeiling = DefaultTrackerConfig().WideCacheCeiling
	}
	if cfg.EvictionPassRate == 0 {
		cfg.EvictionPassRate = DefaultTrackerConfig().EvictionPassRate
	}
	if cfg.EvictionPassBurst == 0 {
		cfg.EvictionPassBurst = DefaultTrackerConfig().EvictionPassBurst
	}
	return &Tracker{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.EvictionPassRate, cfg.EvictionPassBurst),
		mc:      mc,
	}
}

// Phase returns the current population phase. Populators snapshot it before
// reading the layers below and commit only if it has not moved since.
func (t *Tracker) Phase() uint64 { return t.phase.Load() }

// BumpPhase invalidates every in-flight population.
func (t *Tracker) BumpPhase() { t.phase.Add(1) }

// allowPass gates one proactive eviction pass.
func (t *Tracker) allowPass() bool { return t.limiter.Allow() }

// Len returns the number of tracked entries.
func (t *Tracker) Len() int { return t.count }

func (t *Tracker) insert(e *entry) {
	e.wide = e.size >= t.cfg.WideThreshold
	e.prev = nil
	e.next = t.head
	if t.head != nil {
		t.head.prev = e
	}
	t.head = e
	if t.tail == nil {
		t.tail = e
	}
	t.count++
}

func (t *Tracker) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		t.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		t.tail = e.prev
	}
	e.prev, e.next = nil, nil
	t.count--
}

func (t *Tracker) touch(e *entry) {
	if e == t.head {
		return
	}
	t.remove(e)
	t.insert(e)
}

// victim picks the next entry to evict: the LRU tail, except that a wide
// entry at the tail is spared on all but roughly one decision in
// WideEvictionRatio and the nearest normal entry goes instead. Wide
// partitions are disproportionately expensive to repopulate, so they stay
// cached well past their strict LRU position.
func (t *Tracker) victim() *entry {
	v := t.tail
	if v == nil || !v.wide {
		return v
	}
	if fastrand.Uint32n(t.cfg.WideEvictionRatio) != 0 {
		for e, i := v.prev, 0; e != nil && i < wideSample; e, i = e.prev, i+1 {
			if !e.wide {
				return e
			}
		}
		// the whole window is wide; the tail has to go after all
	}
	if t.mc != nil {
		t.mc.IncCounter("cache_wide_evictions", nil, 1)
	}
	return v
}
