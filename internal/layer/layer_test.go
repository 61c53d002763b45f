package layer

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/bornbind/internal/blob"
)

func testContext(phase Phase) *Context {
	return &Context{
		Backend: cpu.New(),
		Phase:   phase,
		Rand:    rand.New(rand.NewPCG(1, 2)),
	}
}

func f32(v float32) *float32 { return &v }
func intp(v int) *int        { return &v }

// setUp creates a layer from def and sets it up on the given bottoms with
// nTop fresh tops.
func setUp(t *testing.T, def *Def, ctx *Context, bottom []*blob.Blob, nTop int) (Layer, []*blob.Blob) {
	t.Helper()
	l, err := NewRegistry().Create(def, ctx)
	require.NoError(t, err)
	top := make([]*blob.Blob, nTop)
	for i := range top {
		top[i] = blob.MustNew(1)
	}
	require.NoError(t, l.SetUp(bottom, top))
	return l, top
}

func randomBlob(r *rand.Rand, shape ...int) *blob.Blob {
	b := blob.MustNew(shape...)
	for i := range b.Data() {
		b.Data()[i] = 2*r.Float32() - 1
	}
	return b
}

// checkGradient compares the analytic gradient of a layer against central
// differences of the objective sum(top * w) (or the scalar loss for loss
// layers), for every bottom listed in check and every learnable blob.
func checkGradient(t *testing.T, l Layer, bottom, top []*blob.Blob, check []int) {
	t.Helper()
	r := rand.New(rand.NewPCG(3, 4))

	weights := make([][]float32, len(top))
	for i, b := range top {
		weights[i] = make([]float32, b.Count())
		for j := range weights[i] {
			weights[i][j] = 2*r.Float32() - 1
			if IsLoss(l) {
				weights[i][j] = 1
			}
		}
	}
	objective := func() float64 {
		require.NoError(t, l.Forward(bottom, top))
		var s float64
		for i, b := range top {
			for j, v := range b.Data() {
				s += float64(v) * float64(weights[i][j])
			}
		}
		return s
	}

	objective()
	for i, b := range top {
		require.NoError(t, b.SetDiff(weights[i]))
	}
	for _, b := range l.Blobs() {
		b.ZeroDiff()
	}
	propagate := make([]bool, len(bottom))
	for _, i := range check {
		propagate[i] = true
	}
	require.NoError(t, l.Backward(top, propagate, bottom))

	targets := make([]*blob.Blob, 0, len(check)+len(l.Blobs()))
	for _, i := range check {
		targets = append(targets, bottom[i])
	}
	targets = append(targets, l.Blobs()...)
	analytic := make([][]float32, len(targets))
	for i, b := range targets {
		analytic[i] = append([]float32(nil), b.Diff()...)
	}

	const step = 1e-2
	for i, b := range targets {
		data := b.Data()
		for j := range data {
			orig := data[j]
			data[j] = orig + step
			plus := objective()
			data[j] = orig - step
			minus := objective()
			data[j] = orig

			numeric := (plus - minus) / (2 * step)
			scale := math.Max(1, math.Max(math.Abs(numeric), math.Abs(float64(analytic[i][j]))))
			assert.InDelta(t, numeric, float64(analytic[i][j]), 2e-2*scale, "target %d element %d", i, j)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	types := r.SupportedTypes()
	for _, typ := range []string{"Input", "InnerProduct", "Convolution", "Pooling", "ReLU", "Sigmoid",
		"TanH", "Dropout", "Flatten", "Softmax", "SoftmaxWithLoss", "EuclideanLoss", "Accuracy", "Split"} {
		assert.Contains(t, types, typ)
	}
	assert.IsNonDecreasing(t, types)

	_, err := r.Create(&Def{Name: "x", Type: "Bogus"}, testContext(Train))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown layer type: Bogus")

	r.Register("Bogus", newReLU)
	_, ok := r.Get("Bogus")
	assert.True(t, ok)
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("TEST")
	require.NoError(t, err)
	assert.Equal(t, Test, p)
	assert.Equal(t, "test", p.String())

	_, err = ParsePhase("deploy")
	assert.Error(t, err)
}

func TestDefInPhase(t *testing.T) {
	d := &Def{Include: []Rule{{Phase: "test"}}}
	assert.True(t, d.InPhase(Test))
	assert.False(t, d.InPhase(Train))

	d = &Def{Exclude: []Rule{{Phase: "test"}}}
	assert.False(t, d.InPhase(Test))
	assert.True(t, d.InPhase(Train))

	assert.True(t, (&Def{}).InPhase(Test))
}

func TestDefMultipliers(t *testing.T) {
	d := &Def{Param: []ParamSpec{{LrMult: f32(2), DecayMult: f32(0)}}}
	lr, decay := d.Multipliers(0)
	assert.Equal(t, float32(2), lr)
	assert.Equal(t, float32(0), decay)
	lr, decay = d.Multipliers(1)
	assert.Equal(t, float32(1), lr)
	assert.Equal(t, float32(1), decay)
}

func TestCheckCounts(t *testing.T) {
	l, err := NewRegistry().Create(&Def{Name: "ip", Type: "InnerProduct",
		InnerProductParam: &InnerProductParam{NumOutput: 2}}, testContext(Train))
	require.NoError(t, err)
	err = l.SetUp(nil, []*blob.Blob{blob.MustNew(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `InnerProduct layer "ip": takes exactly 1 bottom blob(s), got 0`)
}

func TestInput(t *testing.T) {
	def := &Def{Name: "data", Type: "Input", InputParam: &InputParam{
		Shape: []BlobShape{{Dim: []int{2, 3}}, {Dim: []int{2}}},
	}}
	_, top := setUp(t, def, testContext(Train), nil, 2)
	assert.Equal(t, []int{2, 3}, top[0].Shape())
	assert.Equal(t, []int{2}, top[1].Shape())

	def.InputParam.Shape = def.InputParam.Shape[:1]
	_, top = setUp(t, def, testContext(Train), nil, 2)
	assert.Equal(t, []int{2, 3}, top[1].Shape())
}

func TestInnerProductForward(t *testing.T) {
	def := &Def{Name: "ip", Type: "InnerProduct", InnerProductParam: &InnerProductParam{
		NumOutput:  2,
		BiasFiller: &FillerDef{Type: "constant", Value: 0.5},
	}}
	x := blob.MustNew(2, 3)
	require.NoError(t, x.SetData([]float32{1, 2, 3, 4, 5, 6}))
	l, top := setUp(t, def, testContext(Train), []*blob.Blob{x}, 1)
	require.Len(t, l.Blobs(), 2)
	assert.Equal(t, []int{2, 3}, l.Blobs()[0].Shape())
	assert.Equal(t, []float32{0.5, 0.5}, l.Blobs()[1].Data())

	require.NoError(t, l.Blobs()[0].SetData([]float32{1, 0, 0, 0, 1, 1}))
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	assert.Equal(t, []int{2, 2}, top[0].Shape())
	assert.Equal(t, []float32{1.5, 5.5, 4.5, 11.5}, top[0].Data())
}

func TestInnerProductRejectsWrongInputSize(t *testing.T) {
	def := &Def{Name: "ip", Type: "InnerProduct", InnerProductParam: &InnerProductParam{NumOutput: 2}}
	x := blob.MustNew(2, 3)
	l, top := setUp(t, def, testContext(Train), []*blob.Blob{x}, 1)
	require.NoError(t, x.Reshape([]int{2, 4}))
	assert.Error(t, l.Reshape([]*blob.Blob{x}, top))

	_, err := NewRegistry().Create(&Def{Name: "ip", Type: "InnerProduct"}, testContext(Train))
	assert.Error(t, err)
}

func TestInnerProductGradient(t *testing.T) {
	ctx := testContext(Train)
	def := &Def{Name: "ip", Type: "InnerProduct", InnerProductParam: &InnerProductParam{
		NumOutput:    3,
		WeightFiller: &FillerDef{Type: "gaussian", Std: f32(0.5)},
		BiasFiller:   &FillerDef{Type: "uniform", Min: -1},
	}}
	x := randomBlob(ctx.Rand, 2, 2, 2)
	l, top := setUp(t, def, ctx, []*blob.Blob{x}, 1)
	assert.Equal(t, []int{2, 3}, top[0].Shape())
	checkGradient(t, l, []*blob.Blob{x}, top, []int{0})
}

func TestConvolutionForward(t *testing.T) {
	def := &Def{Name: "conv", Type: "Convolution", ConvolutionParam: &ConvolutionParam{
		NumOutput:    1,
		KernelSize:   2,
		WeightFiller: &FillerDef{Type: "constant", Value: 1},
		BiasFiller:   &FillerDef{Type: "constant", Value: 10},
	}}
	x := blob.MustNew(1, 1, 3, 3)
	require.NoError(t, x.SetData([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	l, top := setUp(t, def, testContext(Train), []*blob.Blob{x}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	assert.Equal(t, []int{1, 1, 2, 2}, top[0].Shape())
	assert.Equal(t, []float32{22, 26, 34, 38}, top[0].Data())
}

func TestConvolutionGradient(t *testing.T) {
	ctx := testContext(Train)
	def := &Def{Name: "conv", Type: "Convolution", ConvolutionParam: &ConvolutionParam{
		NumOutput:    2,
		KernelSize:   3,
		Pad:          1,
		WeightFiller: &FillerDef{Type: "xavier"},
		BiasFiller:   &FillerDef{Type: "gaussian", Std: f32(0.1)},
	}}
	x := randomBlob(ctx.Rand, 2, 2, 4, 4)
	l, top := setUp(t, def, ctx, []*blob.Blob{x}, 1)
	assert.Equal(t, []int{2, 2, 4, 4}, top[0].Shape())
	checkGradient(t, l, []*blob.Blob{x}, top, []int{0})
}

func TestConvolutionRejectsGroups(t *testing.T) {
	_, err := NewRegistry().Create(&Def{Name: "conv", Type: "Convolution", ConvolutionParam: &ConvolutionParam{
		NumOutput: 2, KernelSize: 3, Group: 2,
	}}, testContext(Train))
	assert.Error(t, err)
}

func TestMaxPooling(t *testing.T) {
	def := &Def{Name: "pool", Type: "Pooling", PoolingParam: &PoolingParam{Pool: "MAX", KernelSize: 2, Stride: 2}}
	x := blob.MustNew(1, 1, 4, 4)
	require.NoError(t, x.SetData([]float32{
		1, 2, 5, 6,
		3, 4, 8, 7,
		9, 1, 0, 0,
		1, 1, 0, 2,
	}))
	l, top := setUp(t, def, testContext(Train), []*blob.Blob{x}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	assert.Equal(t, []int{1, 1, 2, 2}, top[0].Shape())
	assert.Equal(t, []float32{4, 8, 9, 2}, top[0].Data())

	require.NoError(t, top[0].SetDiff([]float32{1, 2, 3, 4}))
	require.NoError(t, l.Backward(top, []bool{true}, []*blob.Blob{x}))
	assert.Equal(t, []float32{
		0, 0, 0, 0,
		0, 1, 2, 0,
		3, 0, 0, 0,
		0, 0, 0, 4,
	}, x.Diff())
}

func TestAveragePoolingGradient(t *testing.T) {
	ctx := testContext(Train)
	def := &Def{Name: "pool", Type: "Pooling", PoolingParam: &PoolingParam{Pool: "AVE", KernelSize: 3, Stride: 2}}
	x := randomBlob(ctx.Rand, 1, 2, 5, 5)
	l, top := setUp(t, def, ctx, []*blob.Blob{x}, 1)
	assert.Equal(t, []int{1, 2, 2, 2}, top[0].Shape())
	checkGradient(t, l, []*blob.Blob{x}, top, []int{0})
}

func TestGlobalPooling(t *testing.T) {
	def := &Def{Name: "pool", Type: "Pooling", PoolingParam: &PoolingParam{Pool: "AVE", GlobalPooling: true}}
	x := blob.MustNew(1, 2, 2, 2)
	require.NoError(t, x.SetData([]float32{1, 2, 3, 4, 10, 20, 30, 40}))
	l, top := setUp(t, def, testContext(Train), []*blob.Blob{x}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	assert.Equal(t, []int{1, 2, 1, 1}, top[0].Shape())
	assert.InDeltaSlice(t, []float32{2.5, 25}, top[0].Data(), 1e-6)
}

func TestReLU(t *testing.T) {
	def := &Def{Name: "relu", Type: "ReLU", ReLUParam: &ReLUParam{NegativeSlope: 0.1}}
	x := blob.MustNew(4)
	require.NoError(t, x.SetData([]float32{-2, -0.5, 0.5, 3}))
	l, top := setUp(t, def, testContext(Train), []*blob.Blob{x}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	assert.InDeltaSlice(t, []float32{-0.2, -0.05, 0.5, 3}, top[0].Data(), 1e-6)

	require.NoError(t, top[0].SetDiff([]float32{1, 1, 1, 1}))
	require.NoError(t, l.Backward(top, []bool{true}, []*blob.Blob{x}))
	assert.InDeltaSlice(t, []float32{0.1, 0.1, 1, 1}, x.Diff(), 1e-6)
}

func TestReLUInPlace(t *testing.T) {
	x := blob.MustNew(3)
	require.NoError(t, x.SetData([]float32{-1, 0, 2}))
	l, err := NewRegistry().Create(&Def{Name: "relu", Type: "ReLU"}, testContext(Train))
	require.NoError(t, err)
	bt := []*blob.Blob{x}
	require.NoError(t, l.SetUp(bt, bt))
	require.NoError(t, l.Forward(bt, bt))
	assert.Equal(t, []float32{0, 0, 2}, x.Data())

	require.NoError(t, x.SetDiff([]float32{5, 5, 5}))
	require.NoError(t, l.Backward(bt, []bool{true}, bt))
	assert.Equal(t, []float32{0, 0, 5}, x.Diff())
}

func TestSigmoidAndTanHGradient(t *testing.T) {
	for _, typ := range []string{"Sigmoid", "TanH"} {
		t.Run(typ, func(t *testing.T) {
			ctx := testContext(Train)
			x := randomBlob(ctx.Rand, 2, 3)
			l, top := setUp(t, &Def{Name: "act", Type: typ}, ctx, []*blob.Blob{x}, 1)
			checkGradient(t, l, []*blob.Blob{x}, top, []int{0})
		})
	}
}

func TestSigmoidValues(t *testing.T) {
	x := blob.MustNew(3)
	require.NoError(t, x.SetData([]float32{0, 100, -100}))
	l, top := setUp(t, &Def{Name: "s", Type: "Sigmoid"}, testContext(Train), []*blob.Blob{x}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	assert.InDeltaSlice(t, []float32{0.5, 1, 0}, top[0].Data(), 1e-6)
}

func TestDropout(t *testing.T) {
	def := &Def{Name: "drop", Type: "Dropout", DropoutParam: &DropoutParam{DropoutRatio: f32(0.5)}}
	x := blob.MustNew(1000)
	for i := range x.Data() {
		x.Data()[i] = 1
	}

	l, top := setUp(t, def, testContext(Train), []*blob.Blob{x}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	kept := 0
	for _, v := range top[0].Data() {
		if v != 0 {
			assert.Equal(t, float32(2), v)
			kept++
		}
	}
	assert.InDelta(t, 500, kept, 100)

	for i := range top[0].Diff() {
		top[0].Diff()[i] = 1
	}
	require.NoError(t, l.Backward(top, []bool{true}, []*blob.Blob{x}))
	assert.Equal(t, top[0].Data(), x.Diff())

	l, top = setUp(t, def, testContext(Test), []*blob.Blob{x}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	assert.Equal(t, x.Data(), top[0].Data())

	_, err := NewRegistry().Create(&Def{Name: "drop", Type: "Dropout",
		DropoutParam: &DropoutParam{DropoutRatio: f32(1)}}, testContext(Train))
	assert.Error(t, err)
}

func TestFlatten(t *testing.T) {
	x := blob.MustNew(2, 3, 4, 5)
	l, top := setUp(t, &Def{Name: "f", Type: "Flatten"}, testContext(Train), []*blob.Blob{x}, 1)
	assert.Equal(t, []int{2, 60}, top[0].Shape())

	_, top = setUp(t, &Def{Name: "f", Type: "Flatten", FlattenParam: &FlattenParam{Axis: intp(1), EndAxis: intp(2)}},
		testContext(Train), []*blob.Blob{x}, 1)
	assert.Equal(t, []int{2, 12, 5}, top[0].Shape())

	ctx := testContext(Train)
	x = randomBlob(ctx.Rand, 2, 3)
	l, top = setUp(t, &Def{Name: "f", Type: "Flatten"}, ctx, []*blob.Blob{x}, 1)
	checkGradient(t, l, []*blob.Blob{x}, top, []int{0})
}

func TestSoftmax(t *testing.T) {
	x := blob.MustNew(2, 3)
	require.NoError(t, x.SetData([]float32{0, 0, 0, 1, 2, 3}))
	l, top := setUp(t, &Def{Name: "prob", Type: "Softmax"}, testContext(Train), []*blob.Blob{x}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	third := float32(1.0 / 3)
	assert.InDeltaSlice(t, []float32{third, third, third, 0.09003057, 0.24472847, 0.66524096}, top[0].Data(), 1e-5)
}

func TestSoftmaxGradient(t *testing.T) {
	ctx := testContext(Train)
	x := randomBlob(ctx.Rand, 2, 3, 2)
	l, top := setUp(t, &Def{Name: "prob", Type: "Softmax"}, ctx, []*blob.Blob{x}, 1)
	checkGradient(t, l, []*blob.Blob{x}, top, []int{0})
}

func TestSoftmaxWithLoss(t *testing.T) {
	scores := blob.MustNew(2, 2)
	require.NoError(t, scores.SetData([]float32{0, 0, 0, 0}))
	labels := blob.MustNew(2)
	require.NoError(t, labels.SetData([]float32{0, 1}))

	l, top := setUp(t, &Def{Name: "loss", Type: "SoftmaxWithLoss"}, testContext(Train), []*blob.Blob{scores, labels}, 1)
	assert.True(t, IsLoss(l))
	assert.Empty(t, top[0].Shape())
	require.NoError(t, l.Forward([]*blob.Blob{scores, labels}, top))
	assert.InDelta(t, math.Ln2, top[0].Data()[0], 1e-6)

	require.NoError(t, top[0].SetDiff([]float32{1}))
	require.NoError(t, l.Backward(top, []bool{true, false}, []*blob.Blob{scores, labels}))
	assert.InDeltaSlice(t, []float32{-0.25, 0.25, 0.25, -0.25}, scores.Diff(), 1e-6)

	require.NoError(t, labels.SetData([]float32{0, 2}))
	assert.Error(t, l.Forward([]*blob.Blob{scores, labels}, top))
}

func TestSoftmaxWithLossIgnoreLabel(t *testing.T) {
	scores := blob.MustNew(2, 2)
	labels := blob.MustNew(2)
	require.NoError(t, labels.SetData([]float32{-1, 1}))
	def := &Def{Name: "loss", Type: "SoftmaxWithLoss", LossParam: &LossParam{IgnoreLabel: intp(-1)}}
	l, top := setUp(t, def, testContext(Train), []*blob.Blob{scores, labels}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{scores, labels}, top))
	assert.InDelta(t, math.Ln2, top[0].Data()[0], 1e-6)

	require.NoError(t, top[0].SetDiff([]float32{1}))
	require.NoError(t, l.Backward(top, []bool{true, false}, []*blob.Blob{scores, labels}))
	assert.InDeltaSlice(t, []float32{0, 0, 0.5, -0.5}, scores.Diff(), 1e-6)
}

func TestSoftmaxWithLossGradient(t *testing.T) {
	ctx := testContext(Train)
	scores := randomBlob(ctx.Rand, 3, 4)
	labels := blob.MustNew(3)
	require.NoError(t, labels.SetData([]float32{0, 3, 1}))
	def := &Def{Name: "loss", Type: "SoftmaxWithLoss", LossParam: &LossParam{Normalization: "BATCH_SIZE"}}
	l, top := setUp(t, def, ctx, []*blob.Blob{scores, labels}, 1)
	checkGradient(t, l, []*blob.Blob{scores, labels}, top, []int{0})
}

func TestParseNormalization(t *testing.T) {
	n, err := parseNormalization(&LossParam{Normalize: new(bool)})
	require.NoError(t, err)
	assert.Equal(t, normBatch, n)

	n, err = parseNormalization(&LossParam{Normalization: "full"})
	require.NoError(t, err)
	assert.Equal(t, normFull, n)

	_, err = parseNormalization(&LossParam{Normalization: "HALF"})
	assert.Error(t, err)
}

func TestEuclideanLoss(t *testing.T) {
	a := blob.MustNew(2, 2)
	require.NoError(t, a.SetData([]float32{1, 2, 3, 4}))
	b := blob.MustNew(2, 2)
	require.NoError(t, b.SetData([]float32{1, 0, 3, 0}))
	l, top := setUp(t, &Def{Name: "loss", Type: "EuclideanLoss"}, testContext(Train), []*blob.Blob{a, b}, 1)
	assert.True(t, IsLoss(l))
	require.NoError(t, l.Forward([]*blob.Blob{a, b}, top))
	assert.InDelta(t, 5.0, top[0].Data()[0], 1e-6) // (4 + 16) / (2 * 2)

	ctx := testContext(Train)
	a, b = randomBlob(ctx.Rand, 3, 2), randomBlob(ctx.Rand, 3, 2)
	l, top = setUp(t, &Def{Name: "loss", Type: "EuclideanLoss"}, ctx, []*blob.Blob{a, b}, 1)
	checkGradient(t, l, []*blob.Blob{a, b}, top, []int{0, 1})
}

func TestAccuracy(t *testing.T) {
	scores := blob.MustNew(3, 3)
	require.NoError(t, scores.SetData([]float32{
		0.1, 0.7, 0.2,
		0.5, 0.2, 0.3,
		0.3, 0.3, 0.4,
	}))
	labels := blob.MustNew(3)
	require.NoError(t, labels.SetData([]float32{1, 2, 0}))

	l, top := setUp(t, &Def{Name: "acc", Type: "Accuracy"}, testContext(Test), []*blob.Blob{scores, labels}, 1)
	assert.False(t, IsLoss(l))
	require.NoError(t, l.Forward([]*blob.Blob{scores, labels}, top))
	assert.InDelta(t, 1.0/3, top[0].Data()[0], 1e-6)

	def := &Def{Name: "acc", Type: "Accuracy", AccuracyParam: &AccuracyParam{TopK: 2}}
	l, top = setUp(t, def, testContext(Test), []*blob.Blob{scores, labels}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{scores, labels}, top))
	assert.InDelta(t, 1.0, top[0].Data()[0], 1e-6)

	def = &Def{Name: "acc", Type: "Accuracy", AccuracyParam: &AccuracyParam{IgnoreLabel: intp(2)}}
	l, top = setUp(t, def, testContext(Test), []*blob.Blob{scores, labels}, 1)
	require.NoError(t, l.Forward([]*blob.Blob{scores, labels}, top))
	assert.InDelta(t, 0.5, top[0].Data()[0], 1e-6)
}

func TestSplit(t *testing.T) {
	x := blob.MustNew(2)
	require.NoError(t, x.SetData([]float32{1, 2}))
	l, top := setUp(t, &Def{Name: "s", Type: "Split"}, testContext(Train), []*blob.Blob{x}, 2)
	require.NoError(t, l.Forward([]*blob.Blob{x}, top))
	assert.Equal(t, []float32{1, 2}, top[0].Data())
	assert.Equal(t, []float32{1, 2}, top[1].Data())

	require.NoError(t, top[0].SetDiff([]float32{1, 1}))
	require.NoError(t, top[1].SetDiff([]float32{2, 3}))
	require.NoError(t, l.Backward(top, []bool{true}, []*blob.Blob{x}))
	assert.Equal(t, []float32{3, 4}, x.Diff())
}

func TestFillers(t *testing.T) {
	ctx := testContext(Train)
	b := blob.MustNew(20, 30)

	require.NoError(t, fill(b, &FillerDef{Type: "uniform", Min: -2, Max: f32(-1)}, ctx))
	for _, v := range b.Data() {
		assert.True(t, v >= -2 && v <= -1)
	}

	require.NoError(t, fill(b, &FillerDef{Type: "xavier"}, ctx))
	bound := float32(math.Sqrt(6.0 / 60))
	for _, v := range b.Data() {
		assert.LessOrEqual(t, float32(math.Abs(float64(v))), bound)
	}

	fanIn, fanOut := fans(blob.MustNew(4, 3, 2, 2))
	assert.Equal(t, 12, fanIn)
	assert.Equal(t, 16, fanOut)

	assert.Error(t, fill(b, &FillerDef{Type: "msra"}, ctx))
	assert.Error(t, fill(b, &FillerDef{Type: "uniform", Min: 1, Max: f32(0)}, ctx))
	assert.Error(t, fill(b, &FillerDef{Type: "xavier", VarianceNorm: "SQRT"}, ctx))

	require.NoError(t, fill(b, nil, ctx))
	assert.Equal(t, make([]float32, 600), b.Data())
}

func TestFillersWithoutRand(t *testing.T) {
	ctx := &Context{Backend: cpu.New()}
	b := blob.MustNew(8, 8)
	require.NoError(t, fill(b, &FillerDef{Type: "gaussian", Mean: 3, Std: f32(0.001)}, ctx))
	for _, v := range b.Data() {
		assert.InDelta(t, 3, v, 0.01)
	}
	require.NoError(t, fill(b, &FillerDef{Type: "xavier", VarianceNorm: "AVERAGE"}, ctx))
	bound := math.Sqrt(6.0 / 16)
	for _, v := range b.Data() {
		assert.LessOrEqual(t, math.Abs(float64(v)), bound+1e-6)
	}
}
