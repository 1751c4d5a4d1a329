package bandwidth

import (
	"log/slog"
	"time"

	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
)

// ChannelReader reads the free-running cache-line counter for one memory
// controller channel. Production code backs this with mapped PCI/MMIO
// registers; tests inject a fake.
type ChannelReader func() (uint64, error)

const bytesPerCacheLine = 64

// MCProbe differences per-channel memory-controller counters against the
// previous sample and converts the cache-line delta to MB/s using the
// measured tick duration, per §4.2.
type MCProbe struct {
	readers  []ChannelReader
	last     []uint64
	lastTime time.Time
	primed   bool
}

// NewMCProbe builds an MCProbe. Channel readers come from
// DiscoverChannelReaders at construction; when it finds none, SampleMBs
// returns a DeviceError on every call, which the coordinator logs and
// treats as 0 MB/s (unknown) rather than failing fatally.
func NewMCProbe(tickInterval float64) *MCProbe {
	readers := DiscoverChannelReaders()
	return &MCProbe{
		readers: readers,
		last:    make([]uint64, len(readers)),
	}
}

// DiscoverChannelReaders is overridable so platform-specific discovery (or
// a test double) can be substituted without changing MCProbe itself.
var DiscoverChannelReaders = func() []ChannelReader { return nil }

func (p *MCProbe) SampleMBs() (uint32, error) {
	now := time.Now()
	if len(p.readers) == 0 {
		return 0, &common.DeviceError{Op: "mc-probe", Err: errUnavailable}
	}
	var deltaLines uint64
	for i, read := range p.readers {
		v, err := read()
		if err != nil {
			slog.Warn("memory-controller channel read failed", slog.Int("channel", i), slog.String("error", err.Error()))
			return 0, &common.DeviceError{Op: "mc-probe channel read", Err: err}
		}
		if p.primed {
			deltaLines += v - p.last[i] // free-running counters, subtract modulo 2^64
		}
		p.last[i] = v
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
	bytes := float64(deltaLines) * bytesPerCacheLine
	mbPerSec := bytes / (1024 * 1024) / elapsed
	return uint32(mbPerSec), nil
}

func (p *MCProbe) Close() error { return nil }

var errUnavailable = errUnavailableType{}

type errUnavailableType struct{}

func (errUnavailableType) Error() string { return "no memory-controller channels discovered" }
