package caffepb

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestBlobRoundTrip(t *testing.T) {
	in := &BlobProto{
		Shape: []int64{2, 3},
		Data:  []float32{1, 2, 3, 4, 5, 6},
		Diff:  []float32{0, 0, 0, 0, 0, -1},
	}
	out, err := UnmarshalBlob(MarshalBlob(in))
	require.NoError(t, err)
	assert.Equal(t, in.Shape, out.Shape)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, in.Diff, out.Diff)
	assert.Equal(t, []int{2, 3}, out.Dims())
}

func TestBlobLegacyShape(t *testing.T) {
	in := &BlobProto{Num: 1, Channels: 3, Height: 2, Width: 2, HasLegacyShape: true, Data: make([]float32, 12)}
	out, err := UnmarshalBlob(MarshalBlob(in))
	require.NoError(t, err)
	assert.Empty(t, out.Shape)
	assert.Equal(t, []int{1, 3, 2, 2}, out.Dims())
}

// Older writers emit unpacked repeated fields and double-precision data.
func TestBlobUnpackedAndDouble(t *testing.T) {
	var buf []byte
	buf = protowire.AppendTag(buf, blobData, protowire.Fixed32Type)
	buf = protowire.AppendFixed32(buf, math.Float32bits(1.5))
	buf = protowire.AppendTag(buf, blobData, protowire.Fixed32Type)
	buf = protowire.AppendFixed32(buf, math.Float32bits(2.5))
	buf = protowire.AppendTag(buf, blobDoubleDiff, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(-0.25))

	var shape []byte
	shape = protowire.AppendTag(shape, blobShapeDim, protowire.VarintType)
	shape = protowire.AppendVarint(shape, 2)
	buf = protowire.AppendTag(buf, blobShape, protowire.BytesType)
	buf = protowire.AppendBytes(buf, shape)

	// unknown field is skipped
	buf = protowire.AppendTag(buf, 99, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 7)

	b, err := UnmarshalBlob(buf)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5}, b.Data)
	assert.Equal(t, []float32{-0.25}, b.Diff)
	assert.Equal(t, []int{2}, b.Dims())
}

func TestUnmarshalBlobTruncated(t *testing.T) {
	data := MarshalBlob(&BlobProto{Shape: []int64{4}, Data: []float32{1, 2, 3, 4}})
	_, err := UnmarshalBlob(data[:len(data)-3])
	assert.Error(t, err)
}

func TestNetRoundTrip(t *testing.T) {
	in := &NetProto{
		Name: "LeNet",
		Layers: []*LayerProto{
			{Name: "data", Type: "Input", Top: []string{"data"}},
			{
				Name: "ip1", Type: "InnerProduct",
				Bottom: []string{"data"}, Top: []string{"ip1"},
				Blobs: []*BlobProto{
					{Shape: []int64{2, 4}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8}},
					{Shape: []int64{2}, Data: []float32{0.5, -0.5}},
				},
			},
		},
	}
	path := filepath.Join(t.TempDir(), "lenet.caffemodel")
	require.NoError(t, WriteNetFile(path, in))

	out, err := ReadNetFile(path)
	require.NoError(t, err)
	assert.Equal(t, "LeNet", out.Name)
	require.Len(t, out.Layers, 2)
	ip := out.Layer("ip1")
	require.NotNil(t, ip)
	assert.Equal(t, "InnerProduct", ip.Type)
	assert.Equal(t, []string{"data"}, ip.Bottom)
	require.Len(t, ip.Blobs, 2)
	assert.Equal(t, []float32{0.5, -0.5}, ip.Blobs[1].Data)
	assert.Nil(t, out.Layer("missing"))
}

func TestNetV1Layers(t *testing.T) {
	var layer []byte
	layer = protowire.AppendTag(layer, v1LayerName, protowire.BytesType)
	layer = protowire.AppendString(layer, "conv1")
	layer = protowire.AppendTag(layer, v1LayerBlobs, protowire.BytesType)
	layer = protowire.AppendBytes(layer, MarshalBlob(&BlobProto{Shape: []int64{1}, Data: []float32{3}}))

	var buf []byte
	buf = protowire.AppendTag(buf, netLayersV1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, layer)

	n, err := UnmarshalNet(buf)
	require.NoError(t, err)
	require.Len(t, n.Layers, 1)
	assert.Equal(t, "conv1", n.Layers[0].Name)
	assert.Equal(t, []float32{3}, n.Layers[0].Blobs[0].Data)
}

func TestSolverStateRoundTrip(t *testing.T) {
	in := &SolverState{
		Iter:        200,
		LearnedNet:  "lenet_iter_200.caffemodel",
		CurrentStep: 2,
		History:     []*BlobProto{{Shape: []int64{3}, Data: []float32{0.1, 0.2, 0.3}}},
	}
	path := filepath.Join(t.TempDir(), "lenet_iter_200.solverstate")
	require.NoError(t, WriteSolverStateFile(path, in))

	out, err := ReadSolverStateFile(path)
	require.NoError(t, err)
	assert.Equal(t, in.Iter, out.Iter)
	assert.Equal(t, in.LearnedNet, out.LearnedNet)
	assert.Equal(t, in.CurrentStep, out.CurrentStep)
	require.Len(t, out.History, 1)
	assert.Equal(t, in.History[0].Data, out.History[0].Data)
}

func TestBlobFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mean.binaryproto")
	require.NoError(t, WriteBlobFile(path, &BlobProto{Shape: []int64{1, 1, 1, 2}, Data: []float32{104, 117}}))

	b, err := ReadBlobFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 2}, b.Dims())

	_, err = ReadBlobFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
