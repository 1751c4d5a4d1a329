package metricsserver

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
)

// TestServer_Update_SetsGaugesFromSample is the package's only test
// function: New() registers against the process-wide default registry
// (matching this codebase's own metrics-subcommand server) and panics on
// a second registration, so only one Server may exist per test binary.
func TestServer_Update_SetsGaugesFromSample(t *testing.T) {
	s := New()

	sample := core.TickSample{
		Tick:         1,
		BandwidthMBs: 4200,
		Cores: []core.CoreSample{
			{CoreID: 3, IPC: 1.5},
		},
	}
	modules := map[uint32]*core.ModuleState{
		7: {ModuleID: 7, CurrentLadderLevel: 2, CurrentArmIndex: 5},
	}
	armRewards := map[int]float64{5: 0.875}

	s.Update(sample, modules, armRewards)

	assert.Equal(t, 4200.0, testutil.ToFloat64(s.bandwidth))
	assert.Equal(t, 1.5, testutil.ToFloat64(s.coreIPC.WithLabelValues("3")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.moduleLevel.WithLabelValues("7")))
	assert.Equal(t, 5.0, testutil.ToFloat64(s.moduleArm.WithLabelValues("7")))
	assert.Equal(t, 0.875, testutil.ToFloat64(s.banditReward.WithLabelValues("5")))
}
