package bandwidth

import (
	"fmt"
	"math"
	"time"

	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
)

// RMIDReader reads the current cumulative bandwidth counter, in bytes, for
// one resource-monitoring identifier (RDT MBM total event). Production code
// backs this with the resctrl/MSR interface for IA32_QM_CTR; tests inject a
// fake.
type RMIDReader func(rmid uint32) (uint64, error)

// rdtDomainState tracks the RMID assigned to one monitored core, mirroring
// the per-domain CLOS/RMID bookkeeping style of an RDT resource manager:
// one owned identifier per core, a running counter, and a clean teardown.
type rdtDomainState struct {
	coreID uint32
	rmid   uint32
	last   uint64
	primed bool
}

// RDTProbe assigns each monitored core a resource-monitoring identifier on
// startup and sums per-ID bandwidth counters each tick, per §4.2.
type RDTProbe struct {
	domains      []rdtDomainState
	read         RMIDReader
	tickInterval float64
	lastTime     time.Time
	primed       bool
}

// NewRDTProbe allocates one RMID per monitored core. tickInterval is the
// configured tick duration in seconds, carried for parity with NewMCProbe;
// SampleMBs normalizes against the actually-measured wall-clock gap
// between samples rather than this nominal value, the same way MCProbe
// does. Returns an error if the platform does not expose RDT monitoring
// (no RMIDReader available), so callers fall back to the
// memory-controller probe.
func NewRDTProbe(cores []int, tickInterval float64) (*RDTProbe, error) {
	reader := DiscoverRMIDReader()
	if reader == nil {
		return nil, fmt.Errorf("RDT monitoring not supported on this platform")
	}
	domains := make([]rdtDomainState, 0, len(cores))
	for i, c := range cores {
		domains = append(domains, rdtDomainState{coreID: uint32(c), rmid: uint32(i) + 1})
	}
	return &RDTProbe{domains: domains, read: reader, tickInterval: tickInterval}, nil
}

// DiscoverRMIDReader is overridable so platform discovery (or a test
// double) can be substituted without changing RDTProbe itself. Returns nil
// when RDT bandwidth monitoring is unavailable.
var DiscoverRMIDReader = func() RMIDReader { return nil }

func (p *RDTProbe) SampleMBs() (uint32, error) {
	now := time.Now()
	var totalDelta uint64
	for i := range p.domains {
		d := &p.domains[i]
		v, err := p.read(d.rmid)
		if err != nil {
			return 0, &common.DeviceError{Core: int(d.coreID), Op: "rdt-probe rmid read", Err: err}
		}
		if d.primed {
			totalDelta += v - d.last // free-running, subtract modulo 2^64
		}
		d.last = v
		d.primed = true
	}

	elapsed := now.Sub(p.lastTime).Seconds()
	p.lastTime = now
	if !p.primed {
		p.primed = true
		return 0, nil
	}
	if elapsed <= 0 {
		return 0, nil
	}
	mbPerSec := float64(totalDelta) / (1024 * 1024) / elapsed
	return uint32(math.Round(mbPerSec)), nil
}

func (p *RDTProbe) Close() error {
	p.domains = nil
	return nil
}
