package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ZeduloTech/hardwarePrefetching/internal/barrier"
	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
	"github.com/ZeduloTech/hardwarePrefetching/internal/msr"
)

// fakeAccessor is an in-memory stand-in for msr.Accessor, keyed by
// (core, reg), so publish()/readCounters() can be exercised without a
// real /dev/cpu/*/msr device.
type fakeAccessor struct {
	values map[uint32]uint64
	err    error
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{values: map[uint32]uint64{}}
}

func (f *fakeAccessor) Read(_ int, reg uint32) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.values[reg], nil
}

func (f *fakeAccessor) Write(_ int, reg uint32, value uint64) error {
	if f.err != nil {
		return f.err
	}
	f.values[reg] = value
	return nil
}

func (f *fakeAccessor) EnableFixed(_ int) error      { return f.err }
func (f *fakeAccessor) ConfigureCounters(_ int) error { return f.err }
func (f *fakeAccessor) Close(_ int) error             { return nil }

func TestDelta64_WrapsModulo2to64(t *testing.T) {
	var max uint64 = 1<<64 - 1
	got := delta64(5, max-2) // wrapped past the top of the counter
	assert.Equal(t, uint64(8), got)
}

func TestDelta64_Basic(t *testing.T) {
	assert.Equal(t, uint64(100), delta64(200, 100))
}

func TestSampler_Publish_FirstTickZeroesIPC(t *testing.T) {
	s := &Sampler{State: &core.CoreState{}}
	var pmu [core.NumProgrammableCounters]uint64
	for i := range pmu {
		pmu[i] = 1000
	}
	err := s.publish(pmu, 5000, 10000, true)

	assert.NoError(t, err)
	assert.Equal(t, 0.0, s.State.LastIPC)
	assert.Equal(t, pmu, s.State.LastPMU)
	assert.Equal(t, uint64(5000), s.State.LastRetiredInstructions)
	assert.Equal(t, uint64(10000), s.State.LastCycles)
	assert.False(t, s.State.Errored)
}

func TestSampler_Publish_SecondTickComputesIPCFromDelta(t *testing.T) {
	st := &core.CoreState{
		LastRetiredInstructions: 1000,
		LastCycles:              2000,
	}
	s := &Sampler{State: st}
	var pmu [core.NumProgrammableCounters]uint64

	err := s.publish(pmu, 3000, 4000, false) // retired delta 2000, cycles delta 2000 -> IPC 1.0

	assert.NoError(t, err)
	assert.InDelta(t, 1.0, st.LastIPC, 1e-9)
	assert.Equal(t, uint64(3000), st.LastRetiredInstructions)
	assert.Equal(t, uint64(4000), st.LastCycles)
}

func TestSampler_Publish_OverflowBeyondBoundZeroesIPCButUpdatesBaseline(t *testing.T) {
	st := &core.CoreState{
		LastRetiredInstructions: 1000,
		LastCycles:              2000,
	}
	s := &Sampler{State: st, TickInterval: time.Second}
	var pmu [core.NumProgrammableCounters]uint64

	// retired delta of 10^12 in one second is far beyond any plausible
	// instruction-retirement rate.
	err := s.publish(pmu, 1_000_000_000_000, 2000+4000, false)

	assert.Error(t, err)
	var overflow *common.CounterOverflowSuspected
	assert.ErrorAs(t, err, &overflow)
	assert.Equal(t, 0.0, st.LastIPC)
	assert.True(t, st.Errored)
	// the raw reading is still recorded as the new baseline so the next
	// tick's delta is computed against it rather than compounding.
	assert.Equal(t, uint64(1_000_000_000_000), st.LastRetiredInstructions)
}

func TestSampler_Publish_WithinBoundNeverFlagsOverflow(t *testing.T) {
	st := &core.CoreState{LastCycles: 0, LastRetiredInstructions: 0}
	s := &Sampler{State: st, TickInterval: time.Second}
	var pmu [core.NumProgrammableCounters]uint64
	err := s.publish(pmu, 4_000_000_000, 5_000_000_000, false) // well under the per-second bound
	assert.NoError(t, err)
}

func TestSampler_Publish_ClearsErroredFlag(t *testing.T) {
	st := &core.CoreState{Errored: true}
	s := &Sampler{State: st}
	var pmu [core.NumProgrammableCounters]uint64
	s.publish(pmu, 0, 0, true)
	assert.False(t, st.Errored)
}

func TestSampler_ReadCounters_PropagatesAccessorError(t *testing.T) {
	fa := newFakeAccessor()
	fa.err = assertErr{}
	s := &Sampler{CoreID: 0, Accessor: fa}
	_, _, _, err := s.readCounters()
	assert.Error(t, err)
}

func TestSampler_ReadCounters_ReadsAllSevenProgrammableAndTwoFixed(t *testing.T) {
	fa := newFakeAccessor()
	s := &Sampler{CoreID: 0, Accessor: fa}
	for i := 0; i < core.NumProgrammableCounters; i++ {
		fa.values[programmableCounterMSR(i)] = uint64(i + 1)
	}
	pmu, _, _, err := s.readCounters()
	assert.NoError(t, err)
	for i := 0; i < core.NumProgrammableCounters; i++ {
		assert.Equal(t, uint64(i+1), pmu[i])
	}
}

// TestSampler_Run_RestoresSafeValueAndExitsWithinTickIntervalOfShutdown
// exercises spec.md §8 scenario 5 ("Shutdown restore"): the primary core
// must write the safe MSR value before exit, and exit must be observed
// within tick_interval + epsilon of a shutdown request.
func TestSampler_Run_RestoresSafeValueAndExitsWithinTickIntervalOfShutdown(t *testing.T) {
	fa := newFakeAccessor()
	b := barrier.New(1)
	const safeMSR = 0x1234
	s := &Sampler{
		CoreID:       0,
		IsPrimary:    true,
		IsMaster:     true,
		Accessor:     fa,
		State:        &core.CoreState{CoreID: 0, MSRDirty: true, CurrentMSRValue: 0xDEAD},
		Barrier:      b,
		TickInterval: time.Millisecond,
		SafeMSRValue: safeMSR,
	}

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond) // let at least one tick apply the dirty MSR value
	b.RequestShutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampler did not exit within tick_interval + epsilon of shutdown request")
	}

	got, err := fa.Read(0, msr.RegPrefetchControl)
	assert.NoError(t, err)
	assert.Equal(t, uint64(safeMSR), got, "primary core must restore the safe MSR value before exiting")
}

// TestSampler_RestoreSafeValue_SkipsNonPrimaryCores confirms only the
// primary-in-module core performs the shutdown restore write, per §5.
func TestSampler_RestoreSafeValue_SkipsNonPrimaryCores(t *testing.T) {
	fa := newFakeAccessor()
	s := &Sampler{CoreID: 1, IsPrimary: false, Accessor: fa, SafeMSRValue: 0x1234}
	s.restoreSafeValue()
	_, ok := fa.values[msr.RegPrefetchControl]
	assert.False(t, ok, "non-primary core must not write the prefetcher-control MSR on shutdown")
}

type assertErr struct{}

func (assertErr) Error() string { return "fake accessor error" }
