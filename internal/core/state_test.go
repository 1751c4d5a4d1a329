package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPC_ZeroCyclesGuard(t *testing.T) {
	assert.Equal(t, 0.0, IPC(1000, 0))
}

func TestIPC_Basic(t *testing.T) {
	assert.InDelta(t, 2.0, IPC(2000, 1000), 1e-9)
}

func TestPriorityWeightedMeanIPC_Basic(t *testing.T) {
	cores := []CoreSample{
		{Priority: 50, IPC: 1.0},
		{Priority: 50, IPC: 3.0},
	}
	assert.InDelta(t, 2.0, PriorityWeightedMeanIPC(cores), 1e-9)
}

func TestPriorityWeightedMeanIPC_WeightsDominantCore(t *testing.T) {
	cores := []CoreSample{
		{Priority: 99, IPC: 2.0},
		{Priority: 1, IPC: 0.0},
	}
	mean := PriorityWeightedMeanIPC(cores)
	assert.Greater(t, mean, 1.5, "high-priority core should dominate the mean")
}

func TestPriorityWeightedMeanIPC_ZeroTotalWeight(t *testing.T) {
	cores := []CoreSample{{Priority: 0, IPC: 5.0}}
	assert.Equal(t, 0.0, PriorityWeightedMeanIPC(cores))
}

func TestPriorityWeightedMeanIPC_EmptySet(t *testing.T) {
	assert.Equal(t, 0.0, PriorityWeightedMeanIPC(nil))
}
