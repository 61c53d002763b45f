package serialization

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/born-ml/born/tensor"
)

// Format constants.
const (
	MagicBytes        = "BORN"
	FormatVersion     = 1    // v1: Basic format without checksum
	FormatVersionV2   = 2    // v2: With SHA-256 checksum
	HeaderAlignment   = 64   // Tensor data starts on a 64-byte boundary
	FixedHeaderSizeV2 = 64   // v2 fixed header size (0x40 bytes)
	ChecksumSize      = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffsetV2  = 0x20 // Checksum offset in v2 fixed header
)

// DTypeFloat32 is the only tensor data type stored by bornbind.
const DTypeFloat32 = "float32"

// Flags for the .born format.
const (
	FlagHasSolver   uint32 = 1 << 1 // bit 1: solver state included
	FlagHasMetadata uint32 = 1 << 2 // bit 2: custom metadata included
)

// Container kinds.
const (
	KindNet         = "net"
	KindSolverState = "solverstate"
)

// Producer identifies files written by this package.
const Producer = "bornbind"

// Header represents the JSON header in a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	Kind          string            `json:"kind"`          // KindNet or KindSolverState
	Name          string            `json:"name,omitempty"` // net name
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
	Solver        *SolverMeta       `json:"solver,omitempty"`
}

// SolverMeta carries the scalar part of a solver snapshot.
type SolverMeta struct {
	Type        string `json:"type"`
	Iter        int    `json:"iter"`
	CurrentStep int    `json:"current_step"`
	LearnedNet  string `json:"learned_net"`
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from start of tensor data
	Size   int64  `json:"size"`   // bytes
}

// Entry is a named tensor in a container.
type Entry struct {
	Name string
	Raw  *tensor.RawTensor
}

// ParamName returns the entry name for blob index of layer.
func ParamName(layer string, index int) string {
	return layer + "." + strconv.Itoa(index)
}

// SplitParamName reverses ParamName.
func SplitParamName(name string) (layer string, index int, err error) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", 0, fmt.Errorf("tensor name %q has no blob index", name)
	}
	index, err = strconv.Atoi(name[i+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("tensor name %q has no blob index", name)
	}
	return name[:i], index, nil
}
