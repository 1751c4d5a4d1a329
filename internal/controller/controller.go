// Package controller implements the two interchangeable control
// algorithms (§4.5, §4.6): a bandwidth-gated heuristic ladder walk (HEUR)
// and a contextual ε-greedy/UCB bandit (MAB). Both share one dispatch
// interface so either is selectable independently at startup, per Design
// Note "HEUR as special case of MAB".
package controller

import (
	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
)

// Decision is what the controller wants written to one module's
// prefetcher-control MSR this tick.
type Decision struct {
	MSRValue uint64
	Dirty    bool
	// Reward is the reward credited this tick to the arm applied on the
	// previous tick (§4.6 steps 3-4); meaningful for MAB only, zero for HEUR.
	Reward float64
}

// Controller runs once per tick, in the gap between the barrier's gather
// and release phases (§4.4). It mutates the ModuleState entries in place
// (ladder level or arm index) and returns, per module, the MSR value to
// apply on the module's primary core.
type Controller interface {
	Decide(sample core.TickSample, modules map[uint32]*core.ModuleState) map[uint32]Decision
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
