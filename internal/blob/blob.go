// Package blob provides the Blob, the unit of tensor storage exchanged between
// layers: a shape plus a data buffer and a gradient (diff) buffer of the same
// size, both held in Born raw tensors.
package blob

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bornbind/internal/caffepb"
)

// ErrCountMismatch is returned when a value slice does not match the blob size.
var ErrCountMismatch = errors.New("blob: element count mismatch")

// Blob is a shaped pair of float32 buffers. Data is row-major with the last
// axis varying fastest.
type Blob struct {
	shape tensor.Shape
	data  *tensor.RawTensor
	diff  *tensor.RawTensor
	param *nn.Parameter[tensor.Backend]
}

// New allocates a zero-filled blob.
func New(shape ...int) (*Blob, error) {
	b := &Blob{}
	if err := b.Reshape(shape); err != nil {
		return nil, err
	}
	return b, nil
}

// MustNew is New for shapes known to be valid.
func MustNew(shape ...int) *Blob {
	b, err := New(shape...)
	if err != nil {
		panic(err)
	}
	return b
}

// Reshape changes the blob shape. Storage is flat, so buffers are
// reallocated only when the element count changes; otherwise values and any
// sharing established by ShareData are kept.
func (b *Blob) Reshape(shape []int) error {
	s := tensor.Shape(shape).Clone()
	if err := s.Validate(); err != nil {
		return fmt.Errorf("blob reshape %v: %w", shape, err)
	}

	if b.data == nil || b.data.NumElements() != s.NumElements() {
		n := tensor.Shape{s.NumElements()}
		data, err := tensor.NewRaw(n, tensor.Float32, tensor.CPU)
		if err != nil {
			return fmt.Errorf("blob reshape %v: %w", shape, err)
		}
		diff, err := tensor.NewRaw(n, tensor.Float32, tensor.CPU)
		if err != nil {
			return fmt.Errorf("blob reshape %v: %w", shape, err)
		}
		b.release()
		b.data, b.diff, b.param = data, diff, nil
	}
	b.shape = s
	return nil
}

// ReshapeLike gives b the shape of other.
func (b *Blob) ReshapeLike(other *Blob) error {
	return b.Reshape(other.shape)
}

// Shape returns a copy of the blob shape.
func (b *Blob) Shape() []int {
	return []int(b.shape.Clone())
}

// Dim returns the size of axis i. Negative i counts from the end.
func (b *Blob) Dim(i int) int {
	if i < 0 {
		i += len(b.shape)
	}
	return b.shape[i]
}

// NumAxes returns the number of axes.
func (b *Blob) NumAxes() int { return len(b.shape) }

// Count returns the number of elements.
func (b *Blob) Count() int { return b.shape.NumElements() }

// CountFrom returns the product of dims from axis start to the end.
func (b *Blob) CountFrom(start int) int {
	return tensor.Shape(b.shape[start:]).NumElements()
}

// Data returns the data buffer. Writes through the slice modify the blob.
func (b *Blob) Data() []float32 { return b.data.AsFloat32() }

// Diff returns the diff buffer. Writes through the slice modify the blob.
func (b *Blob) Diff() []float32 { return b.diff.AsFloat32() }

// DataRaw returns the flat Born tensor holding the data buffer.
func (b *Blob) DataRaw() *tensor.RawTensor { return b.data }

// DiffRaw returns the flat Born tensor holding the diff buffer.
func (b *Blob) DiffRaw() *tensor.RawTensor { return b.diff }

// DataAs returns a copy of the data as a Born tensor of the given shape.
// The shape must hold Count elements.
func (b *Blob) DataAs(shape ...int) *tensor.RawTensor {
	return shaped(b.data, shape)
}

// DiffAs returns a copy of the diff as a Born tensor of the given shape.
func (b *Blob) DiffAs(shape ...int) *tensor.RawTensor {
	return shaped(b.diff, shape)
}

func shaped(raw *tensor.RawTensor, shape []int) *tensor.RawTensor {
	out, err := tensor.NewRaw(tensor.Shape(shape), tensor.Float32, tensor.CPU)
	if err != nil {
		panic(fmt.Sprintf("blob view %v: %v", shape, err))
	}
	if out.NumElements() != raw.NumElements() {
		panic(fmt.Sprintf("blob view %v: blob holds %d elements", shape, raw.NumElements()))
	}
	copy(out.AsFloat32(), raw.AsFloat32())
	return out
}

// SetData copies vals into the data buffer.
func (b *Blob) SetData(vals []float32) error {
	if len(vals) != b.Count() {
		return fmt.Errorf("%w: have %d, want %d", ErrCountMismatch, len(vals), b.Count())
	}
	copy(b.Data(), vals)
	return nil
}

// SetDiff copies vals into the diff buffer.
func (b *Blob) SetDiff(vals []float32) error {
	if len(vals) != b.Count() {
		return fmt.Errorf("%w: have %d, want %d", ErrCountMismatch, len(vals), b.Count())
	}
	copy(b.Diff(), vals)
	return nil
}

// CopyDataFrom writes a result computed by the backend into the data buffer.
func (b *Blob) CopyDataFrom(raw *tensor.RawTensor) error {
	return b.SetData(raw.AsFloat32())
}

// CopyDiffFrom writes a result computed by the backend into the diff buffer.
func (b *Blob) CopyDiffFrom(raw *tensor.RawTensor) error {
	return b.SetDiff(raw.AsFloat32())
}

// ZeroDiff clears the diff buffer.
func (b *Blob) ZeroDiff() {
	clear(b.Diff())
}

// ShareData makes b use other's data buffer. Both blobs must hold the same
// number of elements; later updates through either blob are seen by both.
func (b *Blob) ShareData(other *Blob) error {
	if b.Count() != other.Count() {
		return fmt.Errorf("blob share: %v does not match %v", b.shape, other.shape)
	}
	if b.data == other.data {
		return nil
	}
	b.data.Release()
	b.data = other.data.Clone()
	b.param = nil
	return nil
}

// SharesDataWith reports whether b and other use the same data storage.
func (b *Blob) SharesDataWith(other *Blob) bool {
	d, o := b.Data(), other.Data()
	return len(d) > 0 && len(o) > 0 && &d[0] == &o[0]
}

// Param returns a Born parameter wrapping the data buffer, created on first
// use. The parameter is stable until the next reallocating Reshape or
// ShareData, so optimizers can key their state on it.
func (b *Blob) Param(name string, backend tensor.Backend) *nn.Parameter[tensor.Backend] {
	if b.param == nil {
		b.param = nn.NewParameter(name, tensor.New[float32, tensor.Backend](b.data, backend))
	}
	return b.param
}

// Release drops the blob's references to its buffers.
func (b *Blob) Release() {
	b.release()
	b.data, b.diff, b.param = nil, nil, nil
}

func (b *Blob) release() {
	if b.data != nil {
		b.data.Release()
	}
	if b.diff != nil {
		b.diff.Release()
	}
}

// ToProto converts the blob to a Caffe BlobProto, optionally with the diff.
func (b *Blob) ToProto(writeDiff bool) *caffepb.BlobProto {
	p := &caffepb.BlobProto{Shape: make([]int64, len(b.shape))}
	for i, d := range b.shape {
		p.Shape[i] = int64(d)
	}
	p.Data = append([]float32(nil), b.Data()...)
	if writeDiff {
		p.Diff = append([]float32(nil), b.Diff()...)
	}
	return p
}

// FromProto loads values from p. With reshape set the blob takes p's shape;
// otherwise the shapes must agree.
func (b *Blob) FromProto(p *caffepb.BlobProto, reshape bool) error {
	dims := p.Dims()
	if reshape {
		if err := b.Reshape(dims); err != nil {
			return err
		}
	} else if !tensor.Shape(dims).Equal(b.shape) && !legacyEqual(dims, b.shape) {
		return fmt.Errorf("blob shape mismatch: file has %v, blob is %v", dims, b.shape)
	}
	if len(p.Data) > 0 {
		if err := b.SetData(p.Data); err != nil {
			return err
		}
	}
	if len(p.Diff) > 0 {
		if err := b.SetDiff(p.Diff); err != nil {
			return err
		}
	}
	return nil
}

// legacyEqual compares a 4-D legacy shape with a shape of at most four
// axes padded on the left with ones.
func legacyEqual(legacy []int, s tensor.Shape) bool {
	if len(legacy) != 4 || len(s) > 4 {
		return false
	}
	pad := 4 - len(s)
	for i, d := range legacy {
		want := 1
		if i >= pad {
			want = s[i-pad]
		}
		if d != want {
			return false
		}
	}
	return true
}

func (b *Blob) String() string {
	return fmt.Sprintf("Blob%v", []int(b.shape))
}
