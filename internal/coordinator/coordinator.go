// Package coordinator is the long-lived object that owns every
// per-run resource: the sampler fleet, the tick barrier, the selected
// controller, the bandwidth probe, and the optional metrics/report
// exporters. It wires them together and tears them down deterministically
// on shutdown (§9 Design Note "Global state").
package coordinator

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ZeduloTech/hardwarePrefetching/internal/bandwidth"
	"github.com/ZeduloTech/hardwarePrefetching/internal/barrier"
	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
	"github.com/ZeduloTech/hardwarePrefetching/internal/config"
	"github.com/ZeduloTech/hardwarePrefetching/internal/controller"
	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
	"github.com/ZeduloTech/hardwarePrefetching/internal/metricsserver"
	"github.com/ZeduloTech/hardwarePrefetching/internal/msr"
	"github.com/ZeduloTech/hardwarePrefetching/internal/report"
	"github.com/ZeduloTech/hardwarePrefetching/internal/sampler"
)

// Coordinator owns one run of the control loop from startup to clean
// shutdown.
type Coordinator struct {
	cfg        config.Config
	accessor   msr.Accessor
	probe      bandwidth.Probe
	controller controller.Controller
	barrier    *barrier.Barrier

	coreStates []*core.CoreState
	modules    map[uint32]*core.ModuleState
	moduleIDs  []uint32 // stable iteration order for history/metrics

	samplers []*sampler.Sampler
	safeMSR  uint64

	metrics *metricsserver.Server
	history *report.History

	tick uint64
}

// New builds a Coordinator from a validated config and an MSR/PMU
// backend (direct device access or the kernel-helper client), wiring one
// CoreState per monitored core and one ModuleState per module touched by
// the range, per §3.
func New(cfg config.Config, accessor msr.Accessor, probe bandwidth.Probe, ctrl controller.Controller, safeMSR uint64) *Coordinator {
	n := cfg.CoreLast - cfg.CoreFirst + 1
	c := &Coordinator{
		cfg:        cfg,
		accessor:   accessor,
		probe:      probe,
		controller: ctrl,
		barrier:    barrier.New(n),
		coreStates: make([]*core.CoreState, 0, n),
		modules:    make(map[uint32]*core.ModuleState),
		safeMSR:    safeMSR,
		history:    &report.History{},
	}

	for id := cfg.CoreFirst; id <= cfg.CoreLast; id++ {
		moduleID := uint32(id) / common.MaxCoresPerModule
		st := &core.CoreState{
			CoreID:   uint32(id),
			ModuleID: moduleID,
			Priority: cfg.Priority(id),
		}
		c.coreStates = append(c.coreStates, st)

		if _, ok := c.modules[moduleID]; !ok {
			c.modules[moduleID] = &core.ModuleState{
				ModuleID:      moduleID,
				PrimaryCoreID: uint32(id), // first core seen in the module is smallest, since the range is walked ascending
			}
			c.moduleIDs = append(c.moduleIDs, moduleID)
		}
	}
	return c
}

// EnableMetrics starts the optional Prometheus exporter.
func (c *Coordinator) EnableMetrics(addr string) {
	c.metrics = metricsserver.New()
	c.metrics.Start(addr)
}

// buildSamplers constructs one Sampler per monitored core, wiring the
// master (core_first) and each module's primary core (smallest core_id in
// the module).
func (c *Coordinator) buildSamplers() {
	c.samplers = make([]*sampler.Sampler, 0, len(c.coreStates))
	for _, st := range c.coreStates {
		coreID := int(st.CoreID)
		isMaster := coreID == c.cfg.CoreFirst
		isPrimary := c.modules[st.ModuleID].PrimaryCoreID == st.CoreID

		s := &sampler.Sampler{
			CoreID:       coreID,
			IsPrimary:    isPrimary,
			IsMaster:     isMaster,
			Accessor:     c.accessor,
			State:        st,
			Barrier:      c.barrier,
			TickInterval: time.Duration(c.cfg.TickIntervalSeconds * float64(time.Second)),
			SafeMSRValue: c.safeMSR,
		}
		if isMaster {
			s.OnMasterTick = c.runControllerTick
		}
		c.samplers = append(c.samplers, s)
	}
}

// Run pins and starts every sampler, blocks until a shutdown signal
// arrives, then waits for every sampler to perform its final MSR
// restore and exit. Returns the accumulated tick history for the caller
// to optionally export.
func (c *Coordinator) Run() (*report.History, error) {
	c.buildSamplers()

	for _, s := range c.samplers {
		if err := s.Setup(); err != nil {
			return c.history, err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", slog.String("signal", sig.String()))
		c.barrier.RequestShutdown()
	}()

	var wg sync.WaitGroup
	for _, s := range c.samplers {
		wg.Add(1)
		go func(s *sampler.Sampler) {
			defer wg.Done()
			s.Run()
		}(s)
	}
	wg.Wait()

	if c.metrics != nil {
		c.metrics.Stop()
	}
	for _, st := range c.coreStates {
		if err := c.accessor.Close(int(st.CoreID)); err != nil {
			slog.Warn("error closing MSR accessor", slog.Int("core", int(st.CoreID)), slog.String("error", err.Error()))
		}
	}
	if err := c.probe.Close(); err != nil {
		slog.Warn("error closing bandwidth probe", slog.String("error", err.Error()))
	}
	return c.history, nil
}

// runControllerTick is the master's per-tick hook (§4.4 Phase A→B gap):
// build the TickSample from every CoreState, run the controller, apply
// its decisions to the owning ModuleStates and primary CoreStates, and
// record history/metrics. Runs to completion with no suspension points.
func (c *Coordinator) runControllerTick() {
	c.tick++

	bw, err := c.probe.SampleMBs()
	if err != nil {
		slog.Warn("bandwidth probe error, treating as unknown", slog.String("error", err.Error()))
		bw = 0
	}

	sample := core.TickSample{Tick: c.tick, BandwidthMBs: bw, Cores: make([]core.CoreSample, len(c.coreStates))}
	for i, st := range c.coreStates {
		sample.Cores[i] = core.CoreSample{
			CoreID:   st.CoreID,
			ModuleID: st.ModuleID,
			Priority: st.Priority,
			IPC:      st.LastIPC,
			Retired:  st.LastRetiredInstructions,
			Cycles:   st.LastCycles,
			Errored:  st.Errored,
		}
	}

	decisions := c.controller.Decide(sample, c.modules)

	row := report.Row{Tick: c.tick, BandwidthMBs: bw}
	armRewards := make(map[int]float64, len(c.moduleIDs))
	for _, moduleID := range c.moduleIDs {
		ms := c.modules[moduleID]
		mr := report.ModuleRow{ModuleID: moduleID, Level: ms.CurrentLadderLevel, ArmIndex: ms.CurrentArmIndex}
		if c.cfg.Algorithm == config.AlgorithmMAB {
			mr.Level = -1
		} else {
			mr.ArmIndex = -1
		}
		if d, ok := decisions[moduleID]; ok {
			mr.MSRValue = d.MSRValue
			mr.Reward = d.Reward
			armRewards[ms.CurrentArmIndex] = d.Reward
			c.applyDecision(moduleID, d)
		}
		row.Modules = append(row.Modules, mr)
	}
	c.history.Append(row)

	if c.metrics != nil {
		c.metrics.Update(sample, c.modules, armRewards)
	}
}

// applyDecision marks the module's primary-core CoreState dirty with the
// new MSR value; the actual write happens in that core's own sampler
// goroutine after the barrier releases (§4.3 step 3, §5 ordering).
func (c *Coordinator) applyDecision(moduleID uint32, d controller.Decision) {
	primary := c.modules[moduleID].PrimaryCoreID
	for _, st := range c.coreStates {
		if st.CoreID == primary {
			st.CurrentMSRValue = d.MSRValue
			st.MSRDirty = d.Dirty
			return
		}
	}
}
