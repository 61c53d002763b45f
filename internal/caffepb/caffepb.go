// Package caffepb encodes and decodes the subset of Caffe's protobuf schema
// that the binding reads and writes: BlobProto (mean files and layer
// weights), NetParameter (.caffemodel) and SolverState (.solverstate).
//
// Messages are handled at the wire level with protowire, so files written
// here load in Caffe and files written by Caffe load here. Unknown fields are
// skipped on decode.
package caffepb

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a message ends in the middle of a field.
var ErrTruncated = errors.New("caffepb: truncated message")

// Field numbers from caffe.proto.
const (
	blobShapeDim = 1

	blobNum        = 1
	blobChannels   = 2
	blobHeight     = 3
	blobWidth      = 4
	blobData       = 5
	blobDiff       = 6
	blobShape      = 7
	blobDoubleData = 8
	blobDoubleDiff = 9

	layerName   = 1
	layerType   = 2
	layerBottom = 3
	layerTop    = 4
	layerBlobs  = 7

	v1LayerName  = 4
	v1LayerBlobs = 6

	netName     = 1
	netLayersV1 = 2
	netLayer    = 100

	stateIter        = 1
	stateLearnedNet  = 2
	stateHistory     = 3
	stateCurrentStep = 4
)

// BlobProto is a serialised blob.
type BlobProto struct {
	Shape []int64
	Data  []float32
	Diff  []float32

	// Legacy 4-D shape, used when Shape is empty.
	Num, Channels, Height, Width int32
	HasLegacyShape               bool
}

// Dims returns the blob shape, falling back to the legacy
// (num, channels, height, width) fields.
func (b *BlobProto) Dims() []int {
	if len(b.Shape) > 0 {
		dims := make([]int, len(b.Shape))
		for i, d := range b.Shape {
			dims[i] = int(d)
		}
		return dims
	}
	if b.HasLegacyShape {
		return []int{int(b.Num), int(b.Channels), int(b.Height), int(b.Width)}
	}
	return nil
}

// LayerProto is the part of a LayerParameter carrying trained weights.
type LayerProto struct {
	Name   string
	Type   string
	Bottom []string
	Top    []string
	Blobs  []*BlobProto
}

// NetProto is the part of a NetParameter carrying trained weights.
type NetProto struct {
	Name   string
	Layers []*LayerProto
}

// Layer returns the layer called name, or nil.
func (n *NetProto) Layer(name string) *LayerProto {
	for _, l := range n.Layers {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// SolverState is the resumable part of a solver.
type SolverState struct {
	Iter        int32
	LearnedNet  string
	History     []*BlobProto
	CurrentStep int32
}

// MarshalBlob encodes a BlobProto.
func MarshalBlob(b *BlobProto) []byte {
	return appendBlob(nil, b)
}

func appendBlob(buf []byte, b *BlobProto) []byte {
	if b.HasLegacyShape && len(b.Shape) == 0 {
		buf = appendVarintField(buf, blobNum, uint64(b.Num))
		buf = appendVarintField(buf, blobChannels, uint64(b.Channels))
		buf = appendVarintField(buf, blobHeight, uint64(b.Height))
		buf = appendVarintField(buf, blobWidth, uint64(b.Width))
	}
	if len(b.Data) > 0 {
		buf = appendPackedFloats(buf, blobData, b.Data)
	}
	if len(b.Diff) > 0 {
		buf = appendPackedFloats(buf, blobDiff, b.Diff)
	}
	if len(b.Shape) > 0 || !b.HasLegacyShape {
		var shape []byte
		if len(b.Shape) > 0 {
			var packed []byte
			for _, d := range b.Shape {
				packed = protowire.AppendVarint(packed, uint64(d))
			}
			shape = protowire.AppendTag(shape, blobShapeDim, protowire.BytesType)
			shape = protowire.AppendBytes(shape, packed)
		}
		buf = protowire.AppendTag(buf, blobShape, protowire.BytesType)
		buf = protowire.AppendBytes(buf, shape)
	}
	return buf
}

// UnmarshalBlob decodes a BlobProto.
func UnmarshalBlob(data []byte) (*BlobProto, error) {
	b := &BlobProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case blobShape:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return n, nil
			}
			shape, err := unmarshalShape(v)
			if err != nil {
				return 0, err
			}
			b.Shape = shape
			return n, nil
		case blobData:
			vals, n, err := consumeFloats(field, typ, b.Data)
			b.Data = vals
			return n, err
		case blobDiff:
			vals, n, err := consumeFloats(field, typ, b.Diff)
			b.Diff = vals
			return n, err
		case blobDoubleData:
			vals, n, err := consumeDoubles(field, typ, b.Data)
			b.Data = vals
			return n, err
		case blobDoubleDiff:
			vals, n, err := consumeDoubles(field, typ, b.Diff)
			b.Diff = vals
			return n, err
		case blobNum, blobChannels, blobHeight, blobWidth:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				return n, nil
			}
			b.HasLegacyShape = true
			switch num {
			case blobNum:
				b.Num = int32(v)
			case blobChannels:
				b.Channels = int32(v)
			case blobHeight:
				b.Height = int32(v)
			default:
				b.Width = int32(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, field), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode BlobProto: %w", err)
	}
	return b, nil
}

func unmarshalShape(data []byte) ([]int64, error) {
	var dims []int64
	err := walk(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num != blobShapeDim {
			return protowire.ConsumeFieldValue(num, typ, field), nil
		}
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(field)
			dims = append(dims, int64(v))
			return n, nil
		}
		packed, n := protowire.ConsumeBytes(field)
		if n < 0 {
			return n, nil
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return 0, ErrTruncated
			}
			dims = append(dims, int64(v))
			packed = packed[m:]
		}
		return n, nil
	})
	return dims, err
}

// MarshalNet encodes a NetProto as a NetParameter.
func MarshalNet(n *NetProto) []byte {
	var buf []byte
	if n.Name != "" {
		buf = appendStringField(buf, netName, n.Name)
	}
	for _, l := range n.Layers {
		var lb []byte
		lb = appendStringField(lb, layerName, l.Name)
		lb = appendStringField(lb, layerType, l.Type)
		for _, s := range l.Bottom {
			lb = appendStringField(lb, layerBottom, s)
		}
		for _, s := range l.Top {
			lb = appendStringField(lb, layerTop, s)
		}
		for _, b := range l.Blobs {
			lb = protowire.AppendTag(lb, layerBlobs, protowire.BytesType)
			lb = protowire.AppendBytes(lb, appendBlob(nil, b))
		}
		buf = protowire.AppendTag(buf, netLayer, protowire.BytesType)
		buf = protowire.AppendBytes(buf, lb)
	}
	return buf
}

// UnmarshalNet decodes a NetParameter, reading both the current `layer`
// field and the legacy V1 `layers` field.
func UnmarshalNet(data []byte) (*NetProto, error) {
	n := &NetProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case netName:
			v, m := protowire.ConsumeString(field)
			n.Name = v
			return m, nil
		case netLayer, netLayersV1:
			v, m := protowire.ConsumeBytes(field)
			if m < 0 {
				return m, nil
			}
			l, err := unmarshalLayer(v, num == netLayersV1)
			if err != nil {
				return 0, err
			}
			n.Layers = append(n.Layers, l)
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, field), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode NetParameter: %w", err)
	}
	return n, nil
}

func unmarshalLayer(data []byte, v1 bool) (*LayerProto, error) {
	nameField, blobsField := protowire.Number(layerName), protowire.Number(layerBlobs)
	if v1 {
		nameField, blobsField = v1LayerName, v1LayerBlobs
	}

	l := &LayerProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == nameField && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(field)
			l.Name = v
			return m, nil
		case num == blobsField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(field)
			if m < 0 {
				return m, nil
			}
			b, err := UnmarshalBlob(v)
			if err != nil {
				return 0, err
			}
			l.Blobs = append(l.Blobs, b)
			return m, nil
		case !v1 && num == layerType && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(field)
			l.Type = v
			return m, nil
		case !v1 && num == layerBottom && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(field)
			l.Bottom = append(l.Bottom, v)
			return m, nil
		case !v1 && num == layerTop && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(field)
			l.Top = append(l.Top, v)
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, field), nil
	})
	return l, err
}

// MarshalSolverState encodes a SolverState.
func MarshalSolverState(s *SolverState) []byte {
	var buf []byte
	buf = appendVarintField(buf, stateIter, uint64(s.Iter))
	if s.LearnedNet != "" {
		buf = appendStringField(buf, stateLearnedNet, s.LearnedNet)
	}
	for _, h := range s.History {
		buf = protowire.AppendTag(buf, stateHistory, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendBlob(nil, h))
	}
	buf = appendVarintField(buf, stateCurrentStep, uint64(s.CurrentStep))
	return buf
}

// UnmarshalSolverState decodes a SolverState.
func UnmarshalSolverState(data []byte) (*SolverState, error) {
	s := &SolverState{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case stateIter, stateCurrentStep:
			v, m := protowire.ConsumeVarint(field)
			if num == stateIter {
				s.Iter = int32(v)
			} else {
				s.CurrentStep = int32(v)
			}
			return m, nil
		case stateLearnedNet:
			v, m := protowire.ConsumeString(field)
			s.LearnedNet = v
			return m, nil
		case stateHistory:
			v, m := protowire.ConsumeBytes(field)
			if m < 0 {
				return m, nil
			}
			b, err := UnmarshalBlob(v)
			if err != nil {
				return 0, err
			}
			s.History = append(s.History, b)
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, field), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode SolverState: %w", err)
	}
	return s, nil
}

// ReadBlobFile reads a binary BlobProto file such as a mean file.
func ReadBlobFile(path string) (*BlobProto, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is chosen by the caller
	if err != nil {
		return nil, err
	}
	return UnmarshalBlob(data)
}

// WriteBlobFile writes b as a binary BlobProto file.
func WriteBlobFile(path string, b *BlobProto) error {
	return os.WriteFile(path, MarshalBlob(b), 0o644) //nolint:gosec // G306: weight files are not secret
}

// ReadNetFile reads a binary NetParameter file.
func ReadNetFile(path string) (*NetProto, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is chosen by the caller
	if err != nil {
		return nil, err
	}
	return UnmarshalNet(data)
}

// WriteNetFile writes n as a binary NetParameter file.
func WriteNetFile(path string, n *NetProto) error {
	return os.WriteFile(path, MarshalNet(n), 0o644) //nolint:gosec // G306: weight files are not secret
}

// ReadSolverStateFile reads a binary SolverState file.
func ReadSolverStateFile(path string) (*SolverState, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is chosen by the caller
	if err != nil {
		return nil, err
	}
	return UnmarshalSolverState(data)
}

// WriteSolverStateFile writes s as a binary SolverState file.
func WriteSolverStateFile(path string, s *SolverState) error {
	return os.WriteFile(path, MarshalSolverState(s), 0o644) //nolint:gosec // G306: state files are not secret
}

// walk calls fn for every field in data. fn receives the bytes following the
// tag and returns how many it consumed; a negative count is a protowire
// parse error.
func walk(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		if m > len(data) {
			return ErrTruncated
		}
		data = data[m:]
	}
	return nil
}

func consumeFloats(field []byte, typ protowire.Type, dst []float32) ([]float32, int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(field)
		if n < 0 {
			return dst, n, nil
		}
		return append(dst, math.Float32frombits(v)), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(field)
		if n < 0 {
			return dst, n, nil
		}
		if len(packed)%4 != 0 {
			return dst, 0, ErrTruncated
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			dst = append(dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return dst, n, nil
	}
	return dst, 0, fmt.Errorf("caffepb: unexpected wire type %d for float field", typ)
}

func consumeDoubles(field []byte, typ protowire.Type, dst []float32) ([]float32, int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(field)
		if n < 0 {
			return dst, n, nil
		}
		return append(dst, float32(math.Float64frombits(v))), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(field)
		if n < 0 {
			return dst, n, nil
		}
		if len(packed)%8 != 0 {
			return dst, 0, ErrTruncated
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			dst = append(dst, float32(math.Float64frombits(v)))
			packed = packed[m:]
		}
		return dst, n, nil
	}
	return dst, 0, fmt.Errorf("caffepb: unexpected wire type %d for double field", typ)
}

func appendPackedFloats(buf []byte, num protowire.Number, vals []float32) []byte {
	packed := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, packed)
}

func appendVarintField(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendStringField(buf []byte, num protowire.Number, s string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}
