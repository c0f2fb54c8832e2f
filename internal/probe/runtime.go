// Package probe provides the built-in runtime probe that samples the Go
// runtime of the recording process.
package probe

import (
	"context"
	"runtime/metrics"
	"sync"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/types"
)

var runtimeSamples = []struct {
	value  string
	metric string
}{
	{"goroutines", "/sched/goroutines:goroutines"},
	{"heap_bytes", "/memory/classes/heap/objects:bytes"},
	{"gc_cycles", "/gc/cycles/total:gc-cycles"},
	{"total_bytes", "/memory/classes/total:bytes"},
}

// Runtime samples runtime/metrics into one uint64 value per metric.
type Runtime struct {
	mu      sync.Mutex
	samples []metrics.Sample
	cells   []*channel.Cell[uint64]
}

// NewRuntime returns a probe for the process runtime.
func NewRuntime() *Runtime {
	r := &Runtime{
		samples: make([]metrics.Sample, len(runtimeSamples)),
		cells:   make([]*channel.Cell[uint64], len(runtimeSamples)),
	}
	for i, s := range runtimeSamples {
		r.samples[i].Name = s.metric
		r.cells[i] = channel.NewCell[uint64](0)
	}
	return r
}

func (r *Runtime) Name() string { return "runtime" }

// Register adds the runtime values to c.
func (r *Runtime) Register(c *channel.Channel) error {
	for i, s := range runtimeSamples {
		if _, err := c.Register(s.value, types.Uint64, r.cells[i]); err != nil {
			return err
		}
	}
	return nil
}

// Sample reads the runtime metrics. Metrics unknown to the running Go
// version read as zero.
func (r *Runtime) Sample(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	for i, s := range r.samples {
		var v uint64
		if s.Value.Kind() == metrics.KindUint64 {
			v = s.Value.Uint64()
		}
		r.cells[i].Set(v)
	}
	return nil
}
