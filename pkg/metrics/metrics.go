// Package metrics decouples the storage layers from whatever sink the node
// exports to.
package metrics

// Collector captures counters, gauges and histograms. Implementations must be
// safe for concurrent use; the hot paths call it under no lock.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}
