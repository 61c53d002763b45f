//go:build !windows

package device

import "fmt"

func openGPU() (gpuBackend, error) {
	return nil, fmt.Errorf("%w: this build has no WebGPU backend", ErrNoGPU)
}

func gpuAvailable() bool { return false }
