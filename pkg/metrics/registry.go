package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Registry is an in-process Collector. Counters and gauges are kept in a
// flat map keyed by name plus sorted labels, histograms record count and sum.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]float64
	gauges    map[string]float64
	histCount map[string]uint64
	histSum   map[string]float64
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]float64),
		gauges:    make(map[string]float64),
		histCount: make(map[string]uint64),
		histSum:   make(map[string]float64),
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte('}')
	}
	return b.String()
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	r.counters[seriesKey(name, labels)] += delta
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	r.gauges[seriesKey(name, labels)] = value
	r.mu.Unlock()
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	k := seriesKey(name, labels)
	r.mu.Lock()
	r.histCount[k]++
	r.histSum[k] += value
	r.mu.Unlock()
}

// Counter returns the current value of a counter series, zero if unseen.
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, labels)]
}

// Snapshot returns all counter and gauge series in one map.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.counters)+len(r.gauges))
	for k, v := range r.counters {
		out[k] = v
	}
	for k, v := range r.gauges {
		out[k] = v
	}
	return out
}

// Nop is a Collector that discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}
