// Package device tracks the compute mode and device id and hands out the
// Born backend that new nets and solvers run on.
//
// CPU mode uses Born's CPU backend. GPU mode uses the WebGPU backend where
// the build includes it; elsewhere SetMode(GPU) fails. Objects keep the
// backend they were created with, so a mode change affects only nets and
// solvers created afterwards.
package device

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/klauspost/cpuid/v2"

	"github.com/born-ml/bornbind/internal/log"
)

// Mode selects where computation runs.
type Mode int

// Modes.
const (
	CPU Mode = iota
	GPU
)

func (m Mode) String() string {
	if m == GPU {
		return "GPU"
	}
	return "CPU"
}

// ErrNoGPU is returned when GPU mode is requested but no GPU backend can be
// opened.
var ErrNoGPU = errors.New("no GPU backend available")

// gpuBackend is a backend holding device resources.
type gpuBackend interface {
	tensor.Backend
	Release()
}

// Manager holds the current mode, device id and backends.
type Manager struct {
	mode Mode
	id   int
	cpu  tensor.Backend
	gpu  gpuBackend
}

// NewManager returns a manager in CPU mode on device 0.
func NewManager() *Manager {
	return &Manager{cpu: cpu.New()}
}

// Mode returns the current mode.
func (m *Manager) Mode() Mode { return m.mode }

// DeviceID returns the selected device id.
func (m *Manager) DeviceID() int { return m.id }

// SetMode switches the mode. Switching to GPU opens the GPU backend on first
// use.
func (m *Manager) SetMode(mode Mode) error {
	switch mode {
	case CPU:
	case GPU:
		if m.gpu == nil {
			if m.id != 0 {
				return fmt.Errorf("%w: device %d (one adapter per process)", ErrNoGPU, m.id)
			}
			b, err := openGPU()
			if err != nil {
				return err
			}
			m.gpu = b
			log.Info(log.CatDevice, "Opened GPU backend", "backend", b.Name())
		}
	default:
		return fmt.Errorf("unknown mode %d", mode)
	}
	if mode != m.mode {
		log.Info(log.CatDevice, "Mode set to "+mode.String())
	}
	m.mode = mode
	return nil
}

// SetDevice selects the device id. Only device 0 exists on the WebGPU
// backend, which exposes the system's default adapter.
func (m *Manager) SetDevice(id int) error {
	if id < 0 {
		return fmt.Errorf("invalid device id %d", id)
	}
	if id != 0 && (m.mode == GPU || gpuAvailable()) {
		return fmt.Errorf("%w: device %d (one adapter per process)", ErrNoGPU, id)
	}
	m.id = id
	log.Debug(log.CatDevice, "Device set", "id", id)
	return nil
}

// Backend returns the backend for the current mode.
func (m *Manager) Backend() tensor.Backend {
	if m.mode == GPU && m.gpu != nil {
		return m.gpu
	}
	return m.cpu
}

// Close releases GPU resources and returns to CPU mode.
func (m *Manager) Close() {
	if m.gpu != nil {
		m.gpu.Release()
		m.gpu = nil
	}
	m.mode = CPU
}

// Info describes the host processor and GPU availability.
type Info struct {
	Mode           string
	DeviceID       int
	Backend        string
	GPUAvailable   bool
	CPU            string
	Vendor         string
	PhysicalCores  int
	LogicalCores   int
	ThreadsPerCore int
	CacheLine      int
	L1D, L2, L3    int // bytes, -1 when unknown
	Features       []string
}

// Query describes the current device.
func (m *Manager) Query() Info {
	c := &cpuid.CPU
	return Info{
		Mode:           m.mode.String(),
		DeviceID:       m.id,
		Backend:        m.Backend().Name(),
		GPUAvailable:   gpuAvailable(),
		CPU:            c.BrandName,
		Vendor:         c.VendorString,
		PhysicalCores:  c.PhysicalCores,
		LogicalCores:   c.LogicalCores,
		ThreadsPerCore: c.ThreadsPerCore,
		CacheLine:      c.CacheLine,
		L1D:            c.Cache.L1D,
		L2:             c.Cache.L2,
		L3:             c.Cache.L3,
		Features:       c.FeatureSet(),
	}
}
