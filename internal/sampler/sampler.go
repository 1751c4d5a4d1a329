// Package sampler implements the per-core sampler (§4.3): one worker per
// monitored core, pinned to that core, that reads its PMU delta each tick,
// publishes it into its owned CoreState, and participates in the tick
// barrier.
package sampler

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ZeduloTech/hardwarePrefetching/internal/barrier"
	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
	"github.com/ZeduloTech/hardwarePrefetching/internal/msr"
)

// MasterHook is invoked once per tick by the master sampler (the one
// pinned to core_first), in the gap between the barrier's gather and
// release phases. It must run to completion with no suspension points,
// per §4.4.
type MasterHook func()

// Sampler owns one monitored core's MSR handle and CoreState. Exactly one
// Sampler per core, and exactly one Sampler per fleet is the master.
type Sampler struct {
	CoreID    int
	IsPrimary bool // primary-in-module: only this core writes the module MSR
	IsMaster  bool // designated master: runs the controller hook

	Accessor     msr.Accessor
	State        *core.CoreState
	Barrier      *barrier.Barrier
	TickInterval time.Duration
	OnMasterTick MasterHook
	// SafeMSRValue is written to the prefetcher-control MSR on shutdown,
	// per §5 "each sampler performs a final MSR restore-to-default".
	SafeMSRValue uint64
}

// pinToCore locks the calling goroutine to its OS thread and sets CPU
// affinity to CoreID. Fatal if pinning fails, per §4.3 step 1.
func pinToCore(coreID int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin to core %d: %w", coreID, err)
	}
	return nil
}

// Setup pins the sampler to its core and programs its counters. Must be
// called before Run.
func (s *Sampler) Setup() error {
	if err := pinToCore(s.CoreID); err != nil {
		return err
	}
	if err := s.Accessor.ConfigureCounters(s.CoreID); err != nil {
		return err
	}
	if err := s.Accessor.EnableFixed(s.CoreID); err != nil {
		return err
	}
	return nil
}

// readCounters reads the seven programmable counters plus the two fixed
// counters, returning raw (non-delta) 64-bit values. A read failure is
// logged and reported to the caller rather than propagated to the master
// (§7 "sampler-local errors never propagate to the master").
func (s *Sampler) readCounters() (pmu [core.NumProgrammableCounters]uint64, retired, cycles uint64, err error) {
	for i := 0; i < core.NumProgrammableCounters; i++ {
		v, rerr := s.Accessor.Read(s.CoreID, programmableCounterMSR(i))
		if rerr != nil {
			return pmu, 0, 0, rerr
		}
		pmu[i] = v
	}
	retired, err = s.Accessor.Read(s.CoreID, msr.RegFixedCtr0)
	if err != nil {
		return pmu, 0, 0, err
	}
	cycles, err = s.Accessor.Read(s.CoreID, msr.RegFixedCtr1)
	if err != nil {
		return pmu, 0, 0, err
	}
	return pmu, retired, cycles, nil
}

func programmableCounterMSR(i int) uint32 {
	return []uint32{
		msr.RegPerfEvtSel0, msr.RegPerfEvtSel1, msr.RegPerfEvtSel2, msr.RegPerfEvtSel3,
		msr.RegPerfEvtSel4, msr.RegPerfEvtSel5, msr.RegPerfEvtSel6,
	}[i]
}

// delta64 subtracts modulo 2^64, treating all counters as free-running
// per §4.3 "Counter overflow".
func delta64(cur, prev uint64) uint64 {
	return cur - prev
}

// maxPlausibleEventRate is a generous upper bound, in events per second, on
// how fast any of the seven programmable counters or the two fixed counters
// can plausibly advance: comfortably above an 8-wide pipeline retiring at a
// 6 GHz clock. A delta implying a higher rate than this is not a real
// workload spike, it's the counter having wrapped past 2^64 more than once
// since the last tick, which modulo subtraction alone can't distinguish
// from a legitimate delta (§7 "CounterOverflowSuspected").
const maxPlausibleEventRate = 5e10

// plausibleDeltaBound scales maxPlausibleEventRate by the sampler's tick
// interval, so a slower tick cadence doesn't spuriously flag a register
// that simply had longer to accumulate.
func plausibleDeltaBound(interval time.Duration) uint64 {
	seconds := interval.Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	return uint64(maxPlausibleEventRate * seconds)
}

// publish computes this tick's deltas against the last-seen raw counter
// values and writes the result into the owned CoreState. On the first
// tick (state.LastPMU all zero and no prior cycles), deltas are zero per
// §4.3. If any delta exceeds the plausible per-tick bound, the raw values
// are still recorded as the new baseline (so the next tick deltas correctly
// against them), but this tick's IPC is reported as zero for this core and
// a CounterOverflowSuspected error is returned, per §7.
func (s *Sampler) publish(pmu [core.NumProgrammableCounters]uint64, retired, cycles uint64, firstTick bool) error {
	st := s.State
	if firstTick {
		st.LastPMU = pmu
		st.LastRetiredInstructions = retired
		st.LastCycles = cycles
		st.LastIPC = 0
		st.Errored = false
		return nil
	}
	bound := plausibleDeltaBound(s.TickInterval)

	var deltas [core.NumProgrammableCounters]uint64
	var overflowReg string
	for i := range pmu {
		deltas[i] = delta64(pmu[i], st.LastPMU[i])
		if deltas[i] > bound && overflowReg == "" {
			overflowReg = fmt.Sprintf("PERFEVTSEL%d", i)
		}
	}
	retiredDelta := delta64(retired, st.LastRetiredInstructions)
	cyclesDelta := delta64(cycles, st.LastCycles)
	if retiredDelta > bound && overflowReg == "" {
		overflowReg = "FIXED_CTR0"
	}
	if cyclesDelta > bound && overflowReg == "" {
		overflowReg = "FIXED_CTR1"
	}

	st.LastPMU = pmu
	st.LastRetiredInstructions = retired
	st.LastCycles = cycles

	if overflowReg != "" {
		st.LastIPC = 0
		st.Errored = true
		return &common.CounterOverflowSuspected{Core: int(st.CoreID), Reg: overflowReg}
	}

	st.LastIPC = core.IPC(retiredDelta, cyclesDelta)
	st.Errored = false
	return nil
}

// Run is the sampler's main loop (§4.3 step 3). It returns when the
// barrier's shutdown flag is observed, having first restored the safe MSR
// value if this sampler is primary-in-module.
func (s *Sampler) Run() {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()

	firstTick := true
	for {
		if s.Barrier.ShutdownRequested() {
			s.restoreSafeValue()
			return
		}
		<-ticker.C

		pmu, retired, cycles, err := s.readCounters()
		if err != nil {
			slog.Warn("counter read failed, publishing zeros", slog.Int("core", s.CoreID), slog.String("error", err.Error()))
			s.State.Errored = true
			s.State.LastIPC = 0
		} else if perr := s.publish(pmu, retired, cycles, firstTick); perr != nil {
			slog.Warn("counter overflow suspected, zeroing this tick's sample", slog.Int("core", s.CoreID), slog.String("error", perr.Error()))
		}
		firstTick = false

		priorGen := s.Barrier.Generation()
		s.Barrier.Arrive()

		if s.IsMaster {
			for !s.Barrier.GatherComplete() && !s.Barrier.ShutdownRequested() {
				time.Sleep(time.Microsecond * 50)
			}
			if s.OnMasterTick != nil {
				s.OnMasterTick()
			}
			s.Barrier.Release()
		} else {
			for !s.Barrier.WaitReleased(priorGen) {
				if s.Barrier.ShutdownRequested() {
					break
				}
				time.Sleep(time.Microsecond * 50)
			}
		}

		if s.IsPrimary && s.State.MSRDirty {
			if err := s.Accessor.Write(s.CoreID, msr.RegPrefetchControl, s.State.CurrentMSRValue); err != nil {
				slog.Warn("MSR write failed, continuing with stale value", slog.Int("core", s.CoreID), slog.String("error", err.Error()))
			} else {
				s.State.MSRDirty = false
			}
		}

		if s.Barrier.ShutdownRequested() {
			s.restoreSafeValue()
			return
		}
	}
}

func (s *Sampler) restoreSafeValue() {
	if !s.IsPrimary {
		return
	}
	if err := s.Accessor.Write(s.CoreID, msr.RegPrefetchControl, s.SafeMSRValue); err != nil {
		slog.Warn("failed to restore safe MSR value on shutdown", slog.Int("core", s.CoreID), slog.String("error", err.Error()))
		return
	}
	slog.Info("restored safe prefetcher MSR value", slog.Int("core", s.CoreID), slog.Uint64("value", s.SafeMSRValue))
}
