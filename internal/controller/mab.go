package controller

import (
	"math"
	"math/rand"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
)

// DynamicSD selects whether the bandit consumes sliding-window IPC
// standard deviation as reward context (§3 MState.dynamic_sd).
type DynamicSD int

const (
	SDOff DynamicSD = iota
	SDOn
	SDStep
)

// MABController is the contextual ε-greedy/UCB bandit (§4.6): it selects a
// single arm index per tick, shared by every module, crediting the
// previously-applied arm with an exponentially-weighted reward before
// selecting the next one.
type MABController struct {
	Arms ArmTable

	Epsilon float64
	Gamma   float64
	C       float64

	RewardType  RewardType
	DynamicSD   DynamicSD
	SDWindow    int
	SDThreshold float64
	SDPenaltyK  float64

	Target uint32

	// Rng is seeded by the caller for reproducible ε-greedy decisions
	// (§8 scenario 6); defaults to a source with the fixed seed 1 if nil.
	Rng *rand.Rand

	tick           uint64
	hasPrevArm     bool
	currentArm     int
	prevSD         float64
	ipcBuf         *ring
	sdBuf          *ring
	notYetExplored mapset.Set[int]
	exprs          compiledRewardExprs
}

// NewMABController builds a bandit controller from a populated config
// struct (Arms is overwritten with the supplied table). The sliding
// buffers are allocated once here (never grown) when DynamicSD != SDOff,
// per Design Note "Dynamic sliding buffers".
func NewMABController(arms ArmTable, cfg MABController) *MABController {
	m := cfg
	m.Arms = arms
	if m.Rng == nil {
		m.Rng = rand.New(rand.NewSource(1))
	}
	if m.DynamicSD != SDOff && m.SDWindow > 0 {
		m.ipcBuf = newRing(m.SDWindow)
		m.sdBuf = newRing(m.SDWindow)
	}
	m.notYetExplored = mapset.NewSet[int]()
	for i := range arms {
		m.notYetExplored.Add(i)
	}
	m.exprs = compileRewardExpressions()
	m.currentArm = 0
	return &m
}

// ucbBonus returns the UCB exploration term for arm i at the given tick.
// Per §4.6 "Numeric semantics": if t == 0 or the arm has never been
// selected, the bonus is +∞, forcing exploration of every arm first.
func (m *MABController) ucbBonus(tick uint64, arm Arm) float64 {
	if tick == 0 || arm.SelectionCount == 0 {
		return math.Inf(1)
	}
	return m.C * math.Sqrt(math.Log(float64(tick))/float64(arm.SelectionCount))
}

// selectArm implements §4.6 step 5: with probability ε, uniform random;
// otherwise argmax Q[i] + UCB bonus, ties broken to the lower index.
func (m *MABController) selectArm() int {
	if m.Epsilon > 0 && m.Rng.Float64() < m.Epsilon {
		return m.Rng.Intn(len(m.Arms))
	}
	best := 0
	bestScore := math.Inf(-1)
	for i, a := range m.Arms {
		score := a.RewardEstimate + m.ucbBonus(m.tick, a)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}

// computeReward implements §4.6 step 3: reward shaping via the compiled
// expression table, then the bandwidth-overage penalty, clamped to
// non-negative.
func (m *MABController) computeReward(ipcMean float64, bw uint32) float64 {
	var sigma float64
	sdWindowFull := false
	if m.DynamicSD != SDOff && m.ipcBuf != nil {
		sdWindowFull = m.ipcBuf.full()
		if sdWindowFull {
			sigma = m.ipcBuf.sampleStdDev()
		}
	}
	r := m.exprs.evaluate(m.RewardType, ipcMean, float64(bw), sigma, m.SDPenaltyK, sdWindowFull)
	if bw > 0 && float64(bw) > float64(m.Target) {
		// ddr_bw_target==0 collapses this to a near-zero reward, since
		// any positive bandwidth "exceeds" a zero target (§8 boundary
		// behavior).
		r *= float64(m.Target) / float64(bw)
		if r < 0 {
			r = 0
		}
	}
	return r
}

// Decide implements Controller: one arm is selected per tick and applied
// to every module's primary core (§4.6 "the same index applies to all
// modules for a given tick").
func (m *MABController) Decide(sample core.TickSample, modules map[uint32]*core.ModuleState) map[uint32]Decision {
	m.tick++
	ipcMean := core.PriorityWeightedMeanIPC(sample.Cores)

	var sigma float64
	if m.DynamicSD != SDOff && m.ipcBuf != nil {
		m.ipcBuf.push(ipcMean)
		if m.ipcBuf.full() {
			sigma = m.ipcBuf.sampleStdDev()
			m.sdBuf.push(sigma)
		}
	}

	r := m.computeReward(ipcMean, sample.BandwidthMBs)

	if m.hasPrevArm {
		prev := &m.Arms[m.currentArm]
		prev.RewardEstimate = m.Gamma*prev.RewardEstimate + (1-m.Gamma)*r
		prev.SelectionCount++
		prev.LastSelectedTick = sample.Tick
		m.notYetExplored.Remove(m.currentArm)
	}

	nextArm := m.currentArm
	if !m.hasPrevArm {
		nextArm = 0
		m.hasPrevArm = true
	} else {
		candidate := m.selectArm()
		if m.DynamicSD == SDStep {
			if math.Abs(sigma-m.prevSD) <= m.SDThreshold {
				candidate = m.currentArm // rate-limited: hold prior arm
			}
		}
		nextArm = candidate
	}
	m.prevSD = sigma
	m.currentArm = nextArm

	decisions := make(map[uint32]Decision, len(modules))
	for moduleID, ms := range modules {
		ms.CurrentArmIndex = nextArm
		decisions[moduleID] = Decision{MSRValue: m.Arms[nextArm].MSRValue, Dirty: true, Reward: r}
	}
	return decisions
}
