// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package shim

import (
	"github.com/born-ml/bornbind/internal/device"
	"github.com/born-ml/bornbind/internal/handle"
	"github.com/born-ml/bornbind/internal/host"
)

// Handle is an opaque reference to a solver, net, layer or blob.
type Handle = handle.Handle

// Key is the registry generation key embedded in every Handle.
type Key = handle.Key

// Array is a host array of float32 values.
type Array = host.Array

// Order is the memory order of an Array.
type Order = host.Order

// Array memory orders.
const (
	ColumnMajor = host.ColumnMajor
	RowMajor    = host.RowMajor
)

// NewArray allocates a zero-filled column-major array.
func NewArray(dims ...int) *Array { return host.NewArray(dims...) }

// DeviceInfo is returned by "device_query".
type DeviceInfo = device.Info

// SolverAttr is returned by "solver_get_attr".
type SolverAttr struct {
	Net      Handle
	TestNets []Handle
}

// NetAttr is returned by "net_get_attr". Indices are 0-based.
type NetAttr struct {
	Layers            []Handle
	Blobs             []Handle
	InputBlobIndices  []float64
	OutputBlobIndices []float64
	LayerNames        []string
	BlobNames         []string
}

// LayerAttr is returned by "layer_get_attr".
type LayerAttr struct {
	Blobs []Handle
}

func indices(idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, v := range idx {
		out[i] = float64(v)
	}
	return out
}
