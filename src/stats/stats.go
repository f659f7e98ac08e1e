// Package stats tracks lightweight runtime counters (ring utilization,
// allocator page counts) and can export them as a pprof profile for
// offline inspection.
//
// A Counter_t is a plain atomically-incremented int64. ExportProfile
// renders a Registry's counters through google/pprof/profile's
// Sample/Label model for offline viewing in pprof; there is no text
// rendering of counters.
package stats

import (
	"sync/atomic"

	"github.com/google/pprof/profile"
)

// Counter_t is a statistics counter, always enabled (unlike biscuit's
// build-tag-gated Stats flag) since this module has no bare-metal
// build variant to strip counters out of.
type Counter_t int64

// Inc atomically increments the counter.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Add atomically adds n to the counter.
func (c *Counter_t) Add(n int64) {
	atomic.AddInt64((*int64)(c), n)
}

// Get returns the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Registry collects named counters for export, standing in for
// biscuit's convention of grouping Counter_t fields inside one struct
// per subsystem and rendering them together with Stats2String.
type Registry struct {
	counters map[string]*Counter_t
}

// NewRegistry returns an empty counter registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter_t)}
}

// Register adds a named counter to the registry and returns it.
func (r *Registry) Register(name string) *Counter_t {
	c := new(Counter_t)
	r.counters[name] = c
	return c
}

// ExportProfile renders every registered counter as one pprof sample
// with a single "count" value and a "name" label, so the counters can
// be inspected with any pprof-compatible viewer instead of a bespoke
// text dump.
func (r *Registry) ExportProfile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "count", Unit: "count"}},
	}
	for name, c := range r.counters {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{c.Get()},
			Label: map[string][]string{"name": {name}},
		})
	}
	return p
}
