package controller

import (
	"math"

	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
)

// HeurController is the threshold-based heuristic controller (§4.5): a
// bandwidth-gated walk over a linearly-ordered ladder of prefetcher MSR
// values, level 0 most conservative, level L-1 most aggressive.
type HeurController struct {
	// Ladder is monotone by aggressiveness; Ladder[0] is the safe,
	// restore-to-default value (per §5 "Cancellation/timeout").
	Ladder []uint64
	// Aggr scales step size; the config layer rejects values outside
	// [0.1, 5.0].
	Aggr float64
	// MarginUpFrac / MarginDnFrac are fractions of Target defining the
	// hysteresis band around which the ladder holds (design suggestion:
	// 0.10 / 0.05).
	MarginUpFrac float64
	MarginDnFrac float64
	// Target is ddr_bw_target in MB/s.
	Target uint32
	// PriorityScaled selects the alg=1 HEUR_PRIO variant: step sizes are
	// scaled by each module's summed core priority relative to the fleet
	// mean.
	PriorityScaled bool
}

// stepSize turns the aggressiveness knob into a ladder-level step count,
// never less than one level per tick.
func stepSize(aggr float64) int {
	s := int(math.Round(aggr))
	if s < 1 {
		return 1
	}
	return s
}

// modulePriorityScale returns a module's summed core priority relative to
// the mean summed priority across all modules present in the sample.
func modulePriorityScale(moduleID uint32, sample core.TickSample) float64 {
	sums := make(map[uint32]float64)
	for _, c := range sample.Cores {
		sums[c.ModuleID] += float64(c.Priority)
	}
	if len(sums) == 0 {
		return 1
	}
	var total float64
	for _, s := range sums {
		total += s
	}
	mean := total / float64(len(sums))
	if mean == 0 {
		return 1
	}
	return sums[moduleID] / mean
}

// Decide implements Controller. When the probe reports 0 (unknown), every
// module holds its current level, per §4.5 "If bw == 0, hold" and §7
// ProbeUnknown.
func (h *HeurController) Decide(sample core.TickSample, modules map[uint32]*core.ModuleState) map[uint32]Decision {
	decisions := make(map[uint32]Decision)
	bw := sample.BandwidthMBs
	if bw == 0 {
		return decisions
	}
	marginUp := h.MarginUpFrac * float64(h.Target)
	marginDn := h.MarginDnFrac * float64(h.Target)
	headroom := float64(h.Target) - float64(bw)
	L := len(h.Ladder)

	for moduleID, ms := range modules {
		up := stepSize(h.Aggr)
		down := stepSize(h.Aggr)
		if h.PriorityScaled {
			scale := modulePriorityScale(moduleID, sample)
			up = maxInt(1, int(math.Round(float64(up)*scale)))
			down = maxInt(1, int(math.Round(float64(down)*scale)))
		}
		newLevel := ms.CurrentLadderLevel
		switch {
		case headroom > marginUp:
			newLevel = minInt(ms.CurrentLadderLevel+up, L-1)
		case headroom < -marginDn:
			newLevel = maxInt(ms.CurrentLadderLevel-down, 0)
		}
		if newLevel != ms.CurrentLadderLevel {
			ms.CurrentLadderLevel = newLevel
			decisions[moduleID] = Decision{MSRValue: h.Ladder[newLevel], Dirty: true}
		}
	}
	return decisions
}
