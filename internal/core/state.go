// Package core holds the data-model types shared between samplers, the
// coordinator, and the two control algorithms: per-core state, per-module
// state, and the transient per-tick sample.
package core

// NumProgrammableCounters is the number of programmable PMU events the
// controller configures and reads each tick (seven, per the MSR/PMU access
// layer's event table).
const NumProgrammableCounters = 7

// CounterIndex names the seven programmable counters in the order they are
// programmed into PERFEVTSEL0..6.
type CounterIndex int

const (
	CounterAllLoadsRetired CounterIndex = iota
	CounterL2HitLoads
	CounterLLCHitLoads
	CounterDRAMHitLoads
	CounterXQPromotion
	CounterUnhaltedCycles
	CounterInstructionsRetired
)

// CoreState is the state owned by one per-core sampler. It is written only
// by that sampler, and read by the controller only during the barrier-held
// phase of a tick (§4.4).
type CoreState struct {
	CoreID   uint32
	ModuleID uint32
	// Priority is in [0,99]; 99 is highest priority, default 50.
	Priority uint32

	LastPMU                 [NumProgrammableCounters]uint64
	LastIPC                 float64
	LastRetiredInstructions uint64
	LastCycles              uint64

	CurrentMSRValue uint64
	MSRDirty        bool

	// Errored is set by the sampler when a counter read failed this tick;
	// the published sample is zeroed and the controller treats this core's
	// IPC as 0 without the error propagating to the master.
	Errored bool
}

// ModuleState is the per-module bookkeeping the controller advances each
// tick. One module (a group of MaxCoresPerModule cores) shares a single
// prefetcher-control MSR, written only by its primary core.
type ModuleState struct {
	ModuleID           uint32
	PrimaryCoreID      uint32
	CurrentLadderLevel int // meaningful for HEUR only
	CurrentArmIndex    int // meaningful for MAB only
}

// CoreSample is the per-core portion of a TickSample: the deltas and
// derived IPC published by one sampler for the tick just completed.
type CoreSample struct {
	CoreID        uint32
	ModuleID      uint32
	Priority      uint32
	IPC           float64
	Retired       uint64
	Cycles        uint64
	CounterDeltas [NumProgrammableCounters]uint64
	Errored       bool
}

// TickSample is the transient, whole-fleet snapshot the controller consumes
// once per tick. It is built by the samplers and the master between the
// gather and release phases of the barrier, and discarded at the end of the
// tick (the optional tick-history exporter keeps its own copy, §2.11).
type TickSample struct {
	Tick         uint64
	BandwidthMBs uint32
	Cores        []CoreSample
}

// IPC computes instructions-retired-per-cycle, guarding against a zero
// cycle count (e.g. the first tick, or a core that never woke).
func IPC(retired, cycles uint64) float64 {
	if cycles == 0 {
		return 0
	}
	return float64(retired) / float64(cycles)
}

// PriorityWeightedMeanIPC computes the fleet IPC as a priority-weighted
// mean across cores, per §4.6 step 1. A core with zero instructions
// retired still contributes IPC 0 with its priority weight.
func PriorityWeightedMeanIPC(cores []CoreSample) float64 {
	var weighted, totalWeight float64
	for _, c := range cores {
		weighted += float64(c.Priority) * c.IPC
		totalWeight += float64(c.Priority)
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}
