// Package msr is the MSR/PMU access layer (§4.1). It reads and writes
// prefetcher-control and performance-counter Model-Specific Registers
// through /dev/cpu/<core>/msr, using the same Pread/Pwrite access pattern
// as this codebase's pmu-checker/msr package, generalized to a per-core
// Accessor that serializes access and exposes typed counter reads.
package msr

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"

	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const devicePath = "/dev/cpu/%d/msr"

// Register offsets, bit-exact per §6.
const (
	RegPerfEvtSel0 = 0x186
	RegPerfEvtSel1 = 0x187
	RegPerfEvtSel2 = 0x188
	RegPerfEvtSel3 = 0x189
	RegPerfEvtSel4 = 0x18A
	RegPerfEvtSel5 = 0x18B
	RegPerfEvtSel6 = 0x18C

	RegFixedCtr0    = 0x309 // instructions retired
	RegFixedCtr1    = 0x30A // unhalted core cycles
	RegFixedCtrCtrl = 0x38D
	RegGlobalCtrl   = 0x38F // global performance counter enable

	// GlobalCtrlPMCEnable enables PMC0..6 (bits 0-6).
	GlobalCtrlPMCEnable = 0x7F
	// GlobalCtrlFixedEnable enables fixed counters 0 and 1 (bits 32,33).
	GlobalCtrlFixedEnable = 0x3 << 32
	// FixedCtrCtrlEnableOSUSR enables both fixed counters for ring 0 and 3.
	FixedCtrCtrlEnableOSUSR = 0x33

	// RegPrefetchControl is the architecture-specific prefetcher-control
	// MSR; one per module, written only by its primary core.
	RegPrefetchControl = 0x1A4
)

var perfEvtSelRegs = [core.NumProgrammableCounters]uint32{
	RegPerfEvtSel0, RegPerfEvtSel1, RegPerfEvtSel2, RegPerfEvtSel3,
	RegPerfEvtSel4, RegPerfEvtSel5, RegPerfEvtSel6,
}

// eventSelect builds an IA32_PERFEVTSELn value: event code, unit mask, and
// the USR|OS|EN control bits, matching the Intel SDM layout.
func eventSelect(event, umask byte) uint64 {
	const (
		usr = 1 << 16
		os  = 1 << 17
		en  = 1 << 22
	)
	return uint64(event) | uint64(umask)<<8 | usr | os | en
}

// programmableEvents is the bit-exact binding of counter name to event
// encoding that ConfigureCounters programs into PERFEVTSEL0..6, in the
// order defined by core.CounterIndex.
var programmableEvents = [core.NumProgrammableCounters]uint64{
	eventSelect(0xD0, 0x81), // all-loads retired (MEM_INST_RETIRED.ALL_LOADS)
	eventSelect(0xD1, 0x02), // L2-hit loads (MEM_LOAD_RETIRED.L2_HIT)
	eventSelect(0xD1, 0x04), // LLC-hit loads (MEM_LOAD_RETIRED.L3_HIT)
	eventSelect(0xD3, 0x01), // DRAM-hit loads (MEM_LOAD_L3_MISS_RETIRED.LOCAL_DRAM)
	eventSelect(0x59, 0x20), // XQ-promotion event
	eventSelect(0x3C, 0x00), // unhalted cycles (CPU_CLK_UNHALTED.THREAD)
	eventSelect(0xC0, 0x00), // instructions retired (INST_RETIRED.ANY)
}

// Accessor is the abstract MSR/PMU interface every sampler talks to.
// A real Accessor serializes reads/writes to the same core; a fake one is
// used in tests.
type Accessor interface {
	Read(core int, reg uint32) (uint64, error)
	Write(core int, reg uint32, value uint64) error
	EnableFixed(core int) error
	ConfigureCounters(core int) error
	Close(core int) error
}

// DeviceAccessor talks to /dev/cpu/<core>/msr directly, one open file
// descriptor per core, serialized by a per-core mutex so at most one
// outstanding read/write is in flight for a given core at a time.
type DeviceAccessor struct {
	mu   sync.Mutex
	fds  map[int]int
	lock map[int]*sync.Mutex
}

// NewDeviceAccessor creates an accessor with no cores opened yet; cores are
// opened lazily on first use via ensureOpen.
func NewDeviceAccessor() *DeviceAccessor {
	return &DeviceAccessor{
		fds:  make(map[int]int),
		lock: make(map[int]*sync.Mutex),
	}
}

func (a *DeviceAccessor) coreLock(coreID int) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.lock[coreID]
	if !ok {
		l = &sync.Mutex{}
		a.lock[coreID] = l
	}
	return l
}

func (a *DeviceAccessor) ensureOpen(coreID int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fd, ok := a.fds[coreID]; ok {
		return fd, nil
	}
	path := fmt.Sprintf(devicePath, coreID)
	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return 0, &common.DeviceError{Core: coreID, Op: "open", Err: err}
	}
	a.fds[coreID] = fd
	log.Debugf("opened msr device for core %d", coreID)
	return fd, nil
}

// Read performs a Pread of 8 bytes at the register offset, little-endian,
// matching pmu-checker/msr's own access pattern.
func (a *DeviceAccessor) Read(coreID int, reg uint32) (uint64, error) {
	lock := a.coreLock(coreID)
	lock.Lock()
	defer lock.Unlock()
	fd, err := a.ensureOpen(coreID)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	n, err := syscall.Pread(fd, buf, int64(reg))
	if err != nil {
		return 0, &common.DeviceError{Core: coreID, Op: fmt.Sprintf("read 0x%x", reg), Err: err}
	}
	if n != 8 {
		return 0, &common.DeviceError{Core: coreID, Op: fmt.Sprintf("read 0x%x", reg), Err: errors.Errorf("wrong byte count %d", n)}
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Write performs a Pwrite of 8 bytes at the register offset.
func (a *DeviceAccessor) Write(coreID int, reg uint32, value uint64) error {
	lock := a.coreLock(coreID)
	lock.Lock()
	defer lock.Unlock()
	fd, err := a.ensureOpen(coreID)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	n, err := syscall.Pwrite(fd, buf, int64(reg))
	if err != nil {
		return &common.DeviceError{Core: coreID, Op: fmt.Sprintf("write 0x%x", reg), Err: err}
	}
	if n != 8 {
		return &common.DeviceError{Core: coreID, Op: fmt.Sprintf("write 0x%x", reg), Err: errors.Errorf("wrong byte count %d", n)}
	}
	return nil
}

// EnableFixed programs IA32_FIXED_CTR_CTRL and IA32_PERF_GLOBAL_CTRL so the
// fixed counters (instructions retired, unhalted core cycles) and the
// seven programmable counters are all counting. Must be called once per
// core before the first read.
func (a *DeviceAccessor) EnableFixed(coreID int) error {
	if err := a.Write(coreID, RegFixedCtrCtrl, FixedCtrCtrlEnableOSUSR); err != nil {
		return err
	}
	return a.Write(coreID, RegGlobalCtrl, GlobalCtrlPMCEnable|GlobalCtrlFixedEnable)
}

// ConfigureCounters programs the seven event-select registers with the
// bit-exact encodings from §4.1/§6.
func (a *DeviceAccessor) ConfigureCounters(coreID int) error {
	for i, reg := range perfEvtSelRegs {
		if err := a.Write(coreID, reg, programmableEvents[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the open file descriptor for a core, if any.
func (a *DeviceAccessor) Close(coreID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	fd, ok := a.fds[coreID]
	if !ok {
		return nil
	}
	delete(a.fds, coreID)
	return syscall.Close(fd)
}

// ValidateDevice verifies the MSR kernel module is loaded for a core,
// mirroring pmu-checker/msr.ValidateMSRModule.
func ValidateDevice(coreID int) error {
	path := fmt.Sprintf(devicePath, coreID)
	fd, err := syscall.Open(path, syscall.O_RDONLY, 0)
	if err != nil {
		return &common.DeviceError{Core: coreID, Op: "validate", Err: errors.Wrap(err, "MSR module not loaded, run: modprobe msr")}
	}
	return syscall.Close(fd)
}
