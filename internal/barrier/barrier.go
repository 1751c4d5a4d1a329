// Package barrier implements the reusable two-phase tick barrier described
// in §4.4 and Design Note "Barrier as counter": an atomic arrival counter
// that every sampler bumps and spins on, generalized into a small,
// allocation-free primitive usable by any number of participants.
package barrier

import (
	"sync/atomic"
)

// Barrier coordinates N participants through one gather/release cycle per
// tick. Every participant calls Arrive. Exactly one participant (the
// master) then polls GatherComplete and, after running controller logic,
// calls Release; all others poll WaitReleased.
type Barrier struct {
	n        int32
	arrived  atomic.Int32
	released atomic.Int32 // generation counter; bumped on every Release
	shutdown atomic.Bool
}

// New creates a barrier for n participants.
func New(n int) *Barrier {
	return &Barrier{n: int32(n)}
}

// Arrive increments the arrival counter. Called by every participant,
// including the master, once it has published its sample for the tick.
func (b *Barrier) Arrive() {
	b.arrived.Add(1)
}

// GatherComplete reports whether all N participants have arrived. The
// master polls this (a bounded spin) until it returns true, then runs the
// controller.
func (b *Barrier) GatherComplete() bool {
	return b.arrived.Load() >= b.n
}

// Release is called by the master once controller logic has produced this
// tick's decisions. It resets the arrival counter to 0 (Phase B) and bumps
// the release generation so participants waiting in WaitReleased proceed.
func (b *Barrier) Release() {
	b.arrived.Store(0)
	b.released.Add(1)
}

// Generation returns the current release generation, to be captured before
// Arrive and compared in WaitReleased.
func (b *Barrier) Generation() int32 {
	return b.released.Load()
}

// WaitReleased reports whether the release generation has advanced past
// the generation captured before this tick's Arrive. Non-blocking; callers
// spin or park on it themselves so shutdown can be observed within one
// tick, per §5.
func (b *Barrier) WaitReleased(priorGeneration int32) bool {
	return b.released.Load() > priorGeneration
}

// N returns the participant count.
func (b *Barrier) N() int { return int(b.n) }

// RequestShutdown sets the cooperative shutdown flag checked by
// participants on each loop iteration and inside the master's barrier wait.
func (b *Barrier) RequestShutdown() {
	b.shutdown.Store(true)
}

// ShutdownRequested reports whether RequestShutdown has been called.
func (b *Barrier) ShutdownRequested() bool {
	return b.shutdown.Load()
}
