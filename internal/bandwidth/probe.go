// Package bandwidth implements the memory-bandwidth probe (§4.2): a single
// SampleMBs operation backed by one of two interchangeable readers, a
// memory-controller counter reader or an RDT-style LLC occupancy / memory
// bandwidth monitor, selected at init.
package bandwidth

import (
	"log/slog"
)

// Probe reports an estimate, in MB/s, of aggregate memory bandwidth
// consumed over the last tick. A return of 0 means "unknown"; callers must
// treat that as ProbeUnknown and refuse to raise aggressiveness.
type Probe interface {
	SampleMBs() (uint32, error)
	Close() error
}

// Select picks the RDT probe if the CPU reports bandwidth-monitoring
// support, otherwise falls back to the memory-controller probe, per §4.2.
func Select(cpuSupportsRDTMonitoring bool, cores []int, tickInterval float64) Probe {
	if cpuSupportsRDTMonitoring {
		p, err := NewRDTProbe(cores, tickInterval)
		if err == nil {
			return p
		}
		slog.Warn("RDT probe unavailable, falling back to memory-controller probe", slog.String("error", err.Error()))
	}
	return NewMCProbe(tickInterval)
}
