package telemetry

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSampler reports a 0..1 fraction standing in for the node's
// battery level. Real aerial nodes expose battery telemetry through
// board-specific hardware; on a generic host we approximate remaining
// capacity with free memory headroom, which is the closest gopsutil
// signal to "how much runway does this node have left".
type ResourceSampler struct {
	metrics *Metrics
}

// NewResourceSampler constructs a sampler that also publishes its
// readings to metrics.BatteryLevel.
func NewResourceSampler(metrics *Metrics) *ResourceSampler {
	return &ResourceSampler{metrics: metrics}
}

// Sample returns the current battery-level fraction and records it.
func (r *ResourceSampler) Sample() float64 {
	level := 1.0
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		level = 1.0 - vm.UsedPercent/100.0
		if level < 0 {
			level = 0
		}
		if level > 1 {
			level = 1
		}
	}
	if r.metrics != nil {
		r.metrics.BatteryLevel.Set(level)
	}
	return level
}
