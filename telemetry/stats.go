package telemetry

import (
	"sync"
)

// Stats is an in-process counter/gauge registry the admin surface can read
// back as a snapshot. OTEL instruments are write-only, so subsystems that
// need to expose their numbers over the admin command surface record them
// here; every write is mirrored to the configured Metrics recorder as well.
//
// Thread-safe.
type Stats struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
	metrics  Metrics
}

// NewStats returns an empty registry mirroring into metrics. A nil metrics
// falls back to the no-op recorder.
func NewStats(metrics Metrics) *Stats {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Stats{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		metrics:  metrics,
	}
}

// Inc adds value to the named counter.
func (s *Stats) Inc(name string, value float64, tags ...string) {
	s.mu.Lock()
	s.counters[name] += value
	s.mu.Unlock()
	s.metrics.IncCounter(name, value, tags...)
}

// Set records the current value of the named gauge.
func (s *Stats) Set(name string, value float64, tags ...string) {
	s.mu.Lock()
	s.gauges[name] = value
	s.mu.Unlock()
	s.metrics.RecordGauge(name, value, tags...)
}

// Counter returns the current value of the named counter.
func (s *Stats) Counter(name string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name]
}

// Gauge returns the current value of the named gauge.
func (s *Stats) Gauge(name string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gauges[name]
}

// Snapshot returns copies of all counters and gauges.
func (s *Stats) Snapshot() (counters, gauges map[string]float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counters = make(map[string]float64, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(s.gauges))
	for k, v := range s.gauges {
		gauges[k] = v
	}
	return counters, gauges
}
