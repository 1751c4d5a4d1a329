// Package kernelhelper is a client for the optional privileged
// kernel-helper's proc-file protocol (§6): a single read/write endpoint,
// conventionally /proc/dpf_ctl, carrying fixed-header, little-endian
// binary messages. Its Accessor implements the same msr.Accessor
// interface as the direct /dev/cpu/N/msr backend, so it can be selected
// as a drop-in alternative with --kernel-helper. It does not implement
// bandwidth.Probe; bandwidth is always sampled by the bandwidth package.
package kernelhelper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
)

// Message types, per §6's protocol table.
type msgType uint32

const (
	msgInit       msgType = 0
	msgCoreRange  msgType = 1
	msgCoreWeight msgType = 2
	msgTuning     msgType = 3
	msgDDRBWSet   msgType = 4
	msgPMURead    msgType = 5
	msgMSRRead    msgType = 6
)

// header is the fixed 8-byte preamble on every request and response.
type header struct {
	Type        uint32
	PayloadSize uint32
}

// Client talks to the kernel-helper's proc-file endpoint. One write
// followed by one read per request; responses are one-shot, per §6
// "buffer reset on next write" — so a Client serializes its own calls.
type Client struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens the proc-file endpoint read/write and sends the INIT
// handshake, which must answer with a 4-byte version payload. The version
// value itself is not returned or checked.
func Open(path string) (*Client, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, &common.DeviceError{Op: "open kernel-helper", Err: err}
	}
	c := &Client{path: path, file: f}
	if _, err := c.roundTrip(msgInit, nil, 4); err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying file handle.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

// roundTrip writes one request and reads back its response payload,
// expecting exactly wantPayload bytes (0 means "don't check").
func (c *Client) roundTrip(t msgType, payload []byte, wantPayload int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, header{Type: uint32(t), PayloadSize: uint32(len(payload))}); err != nil {
		return nil, err
	}
	buf.Write(payload)
	if _, err := c.file.WriteAt(buf.Bytes(), 0); err != nil {
		return nil, &common.DeviceError{Op: fmt.Sprintf("kernel-helper write type=%d", t), Err: err}
	}

	respHeader := make([]byte, 8)
	if _, err := c.file.ReadAt(respHeader, 0); err != nil {
		return nil, &common.DeviceError{Op: fmt.Sprintf("kernel-helper read header type=%d", t), Err: err}
	}
	var h header
	if err := binary.Read(bytes.NewReader(respHeader), binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if wantPayload > 0 && int(h.PayloadSize) != wantPayload {
		return nil, &common.DeviceError{Op: "kernel-helper response", Err: fmt.Errorf("expected %d byte payload, got %d", wantPayload, h.PayloadSize)}
	}
	respPayload := make([]byte, h.PayloadSize)
	if h.PayloadSize > 0 {
		if _, err := c.file.ReadAt(respPayload, 8); err != nil {
			return nil, &common.DeviceError{Op: fmt.Sprintf("kernel-helper read payload type=%d", t), Err: err}
		}
	}
	return respPayload, nil
}

// SetCoreRange sends CORE_RANGE and returns the confirmed thread count.
func (c *Client) SetCoreRange(first, last uint32) (threadCount uint32, err error) {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], first)
	binary.LittleEndian.PutUint32(req[4:8], last)
	resp, err := c.roundTrip(msgCoreRange, req, 12)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp[8:12]), nil
}

// SetCoreWeights sends CORE_WEIGHT with one priority weight per core.
func (c *Client) SetCoreWeights(weights []uint32) error {
	req := make([]byte, 4+4*len(weights))
	binary.LittleEndian.PutUint32(req[0:4], uint32(len(weights)))
	for i, w := range weights {
		binary.LittleEndian.PutUint32(req[4+4*i:8+4*i], w)
	}
	_, err := c.roundTrip(msgCoreWeight, req, 0)
	return err
}

// SetTuningEnabled sends TUNING and reports the confirmed status.
func (c *Client) SetTuningEnabled(enable bool) (status byte, err error) {
	var b byte
	if enable {
		b = 1
	}
	resp, err := c.roundTrip(msgTuning, []byte{b}, 1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

// SetDDRBandwidthTarget sends DDRBW_SET and returns the confirmed value.
func (c *Client) SetDDRBandwidthTarget(value uint32) (confirmed uint32, err error) {
	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, value)
	resp, err := c.roundTrip(msgDDRBWSet, req, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// ReadPMU sends PMU_READ for one core and decodes K u64 values.
func (c *Client) ReadPMU(coreID uint32, k int) ([]uint64, error) {
	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, coreID)
	resp, err := c.roundTrip(msgPMURead, req, 8*k)
	if err != nil {
		return nil, err
	}
	return decodeU64s(resp), nil
}

// ReadMSR sends MSR_READ for one core and decodes NR_OF_MSR u64 values.
func (c *Client) ReadMSR(coreID uint32, n int) ([]uint64, error) {
	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, coreID)
	resp, err := c.roundTrip(msgMSRRead, req, 8*n)
	if err != nil {
		return nil, err
	}
	return decodeU64s(resp), nil
}

func decodeU64s(b []byte) []uint64 {
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[8*i : 8*i+8])
	}
	return out
}
