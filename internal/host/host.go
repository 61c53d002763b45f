// Package host converts between host arrays and blobs.
//
// Blobs are row-major: the last axis varies fastest. Host arrays are
// column-major by default, so a blob of shape (N, C, H, W) appears on the
// host with dims (W, H, C, N) and the same memory layout. Arrays marked
// RowMajor are transposed through the Born backend on the way in and out.
package host

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bornbind/internal/blob"
)

// ErrCountMismatch is returned when an array does not hold as many elements
// as the blob it is copied into.
var ErrCountMismatch = errors.New("data size does not match blob size")

// Order is the memory order of a host array.
type Order int

// Memory orders.
const (
	ColumnMajor Order = iota // first axis fastest
	RowMajor                 // last axis fastest
)

func (o Order) String() string {
	if o == RowMajor {
		return "row-major"
	}
	return "column-major"
}

// Field selects the data or diff buffer of a blob.
type Field int

// Blob buffers.
const (
	Data Field = iota
	Diff
)

// Array is a host-side single-precision array.
type Array struct {
	Dims  []int
	Data  []float32
	Order Order
}

// NewArray allocates a zero-filled column-major array.
func NewArray(dims ...int) *Array {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return &Array{Dims: slices.Clone(dims), Data: make([]float32, n)}
}

// Count returns the number of elements implied by Dims.
func (a *Array) Count() int {
	n := 1
	for _, d := range a.Dims {
		n *= d
	}
	return n
}

// At returns the element at the given host index, honouring Order.
func (a *Array) At(idx ...int) float32 {
	return a.Data[a.offset(idx)]
}

// Set stores v at the given host index, honouring Order.
func (a *Array) Set(v float32, idx ...int) {
	a.Data[a.offset(idx)] = v
}

func (a *Array) offset(idx []int) int {
	if len(idx) != len(a.Dims) {
		panic(fmt.Sprintf("host: index %v for array of dims %v", idx, a.Dims))
	}
	off, stride := 0, 1
	if a.Order == RowMajor {
		for i := len(idx) - 1; i >= 0; i-- {
			off += idx[i] * stride
			stride *= a.Dims[i]
		}
		return off
	}
	for i, v := range idx {
		off += v * stride
		stride *= a.Dims[i]
	}
	return off
}

// Dims returns the host dims for a blob shape: the shape reversed, or [1]
// for a blob with no axes.
func Dims(shape []int) []int {
	if len(shape) == 0 {
		return []int{1}
	}
	dims := slices.Clone(shape)
	slices.Reverse(dims)
	return dims
}

// ShapeToHost converts a blob shape to a host shape vector.
func ShapeToHost(shape []int) []float64 {
	out := make([]float64, len(shape))
	for i, d := range shape {
		out[len(shape)-1-i] = float64(d)
	}
	return out
}

// ShapeFromHost converts a host shape vector to a blob shape. Every entry
// must be a non-negative integer.
func ShapeFromHost(dims []float64) ([]int, error) {
	shape := make([]int, len(dims))
	for i, d := range dims {
		if d < 0 || d != math.Trunc(d) || d > math.MaxInt32 {
			return nil, fmt.Errorf("invalid dimension %v", d)
		}
		shape[len(dims)-1-i] = int(d)
	}
	return shape, nil
}

// FromBlob copies a blob buffer into a new host array of the given order.
func FromBlob(b *blob.Blob, f Field, order Order, backend tensor.Backend) *Array {
	src := b.Data()
	if f == Diff {
		src = b.Diff()
	}
	a := &Array{Dims: Dims(b.Shape()), Order: order}
	if order == RowMajor && b.NumAxes() > 1 {
		a.Data = transposed(src, b.Shape(), backend)
		return a
	}
	a.Data = slices.Clone(src)
	return a
}

// ToBlob copies a host array into a blob buffer. Only the element count is
// checked; the array dims need not equal the blob's host dims.
func ToBlob(a *Array, b *blob.Blob, f Field, backend tensor.Backend) error {
	if len(a.Data) != b.Count() {
		return fmt.Errorf("%w: array holds %d elements, blob %v holds %d", ErrCountMismatch, len(a.Data), b.Shape(), b.Count())
	}
	vals := a.Data
	if a.Order == RowMajor && len(a.Dims) > 1 {
		if a.Count() != len(a.Data) {
			return fmt.Errorf("%w: dims %v do not describe %d elements", ErrCountMismatch, a.Dims, len(a.Data))
		}
		vals = transposed(a.Data, a.Dims, backend)
	}
	if f == Diff {
		return b.SetDiff(vals)
	}
	return b.SetData(vals)
}

// transposed reverses the axes of row-major data of the given shape.
func transposed(data []float32, shape []int, backend tensor.Backend) []float32 {
	raw, err := tensor.NewRaw(tensor.Shape(shape), tensor.Float32, tensor.CPU)
	if err != nil {
		panic(fmt.Sprintf("host: transpose %v: %v", shape, err))
	}
	copy(raw.AsFloat32(), data)
	out := backend.Transpose(raw)
	return slices.Clone(out.AsFloat32())
}
