//go:build windows

package device

import (
	"fmt"

	"github.com/born-ml/born/backend/webgpu"
)

func openGPU() (gpuBackend, error) {
	if !webgpu.IsAvailable() {
		return nil, ErrNoGPU
	}
	b, err := webgpu.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoGPU, err)
	}
	return b, nil
}

func gpuAvailable() bool { return webgpu.IsAvailable() }
