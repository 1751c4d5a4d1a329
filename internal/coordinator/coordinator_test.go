package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeduloTech/hardwarePrefetching/internal/config"
	"github.com/ZeduloTech/hardwarePrefetching/internal/controller"
	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
	"github.com/ZeduloTech/hardwarePrefetching/internal/msr"
)

// fakeAccessor is an in-memory stand-in for msr.Accessor, keyed by
// (core, reg), mirroring the sampler package's own test double.
type fakeAccessor struct {
	values map[[2]uint32]uint64
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{values: map[[2]uint32]uint64{}}
}

func (f *fakeAccessor) key(core int, reg uint32) [2]uint32 { return [2]uint32{uint32(core), reg} }

func (f *fakeAccessor) Read(core int, reg uint32) (uint64, error) {
	return f.values[f.key(core, reg)], nil
}

func (f *fakeAccessor) Write(core int, reg uint32, value uint64) error {
	f.values[f.key(core, reg)] = value
	return nil
}

func (f *fakeAccessor) EnableFixed(_ int) error      { return nil }
func (f *fakeAccessor) ConfigureCounters(_ int) error { return nil }
func (f *fakeAccessor) Close(_ int) error             { return nil }

// fakeProbe always reports zero bandwidth; bandwidth feed is exercised
// by the bandwidth package's own tests.
type fakeProbe struct{}

func (fakeProbe) SampleMBs() (uint32, error) { return 0, nil }
func (fakeProbe) Close() error               { return nil }

// fakeController hands out a fixed MSR value for every module on every
// tick, so the coordinator test only has to check wiring, not controller
// logic (that belongs to heur_test.go/mab_test.go).
type fakeController struct {
	msrValue uint64
}

func (f *fakeController) Decide(sample core.TickSample, modules map[uint32]*core.ModuleState) map[uint32]controller.Decision {
	out := make(map[uint32]controller.Decision, len(modules))
	for id := range modules {
		out[id] = controller.Decision{MSRValue: f.msrValue, Dirty: true}
	}
	return out
}

func testConfig() config.Config {
	c := config.Default()
	c.CoreFirst = 0
	c.CoreLast = 0
	c.TickIntervalSeconds = 0.002
	return c
}

// TestCoordinator_Run_RestoresSafeValueAndExitsPromptlyOnShutdown exercises
// spec.md §8 scenario 5 ("Shutdown restore"): the primary core of each
// module must write its safe MSR value before exit, and every sampler's
// exit must be observed within tick_interval + epsilon of the shutdown
// signal. Run() wires SIGINT/SIGTERM to barrier.RequestShutdown(), so
// this drives the barrier's flag directly rather than sending a real
// signal to the test process.
func TestCoordinator_Run_RestoresSafeValueAndExitsPromptlyOnShutdown(t *testing.T) {
	cfg := testConfig()
	fa := newFakeAccessor()
	const safeMSR = 0x1234
	co := New(cfg, fa, fakeProbe{}, &fakeController{msrValue: 0xDEAD}, safeMSR)

	done := make(chan struct{})
	go func() {
		_, err := co.Run()
		require.NoError(t, err)
		close(done)
	}()

	// Let a few ticks run so the primary core's MSR goes dirty and gets
	// written, then request shutdown the same way the real signal
	// handler does.
	time.Sleep(20 * time.Millisecond)
	co.barrier.RequestShutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator did not exit within tick_interval + epsilon of the shutdown request")
	}

	got, _ := fa.Read(0, msr.RegPrefetchControl)
	assert.Equal(t, uint64(safeMSR), got, "primary core of each module must restore the safe MSR value before exit")
}

func TestCoordinator_New_GroupsCoresIntoModulesByMaxCoresPerModule(t *testing.T) {
	cfg := testConfig()
	cfg.CoreFirst = 0
	cfg.CoreLast = 7 // two modules of 4 cores each, per common.MaxCoresPerModule
	co := New(cfg, newFakeAccessor(), fakeProbe{}, &fakeController{}, 0)

	assert.Len(t, co.modules, 2)
	assert.Len(t, co.coreStates, 8)
	assert.Equal(t, uint32(0), co.modules[0].PrimaryCoreID)
	assert.Equal(t, uint32(4), co.modules[1].PrimaryCoreID)
}
