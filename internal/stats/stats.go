// Package stats is an in-process counter/gauge registry standing in
// for the external stat_incr_num/stat_set_num collaborators named in
// the spec's downward interfaces (§6). It is deliberately tiny: the
// teacher has no metrics package of its own, and no pack go.mod pulls
// in an external metrics library for a same-process registry this
// small (see DESIGN.md).
package stats

import "sync"

// Sink is the narrow interface the session core and frontend program
// against, concretizing the spec's external stat_incr_num/stat_set_num
// collaborators (§6) so callers don't need the full Registry.
type Sink interface {
	IncrCounter(name string, delta int64)
	SetGauge(name string, value float64)
}

// Registry is a process-wide set of named counters and gauges.
// Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

// IncrCounter adds delta to the named counter, creating it at 0 first
// if necessary.
func (r *Registry) IncrCounter(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

// SetGauge overwrites the named gauge's value.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// Counter returns the current value of the named counter.
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Gauge returns the current value of the named gauge.
func (r *Registry) Gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

// Snapshot returns a point-in-time copy of every counter and gauge,
// for the control surface's /stats endpoint.
func (r *Registry) Snapshot() (counters map[string]int64, gauges map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counters = make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	return
}
