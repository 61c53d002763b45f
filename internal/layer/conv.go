package layer

import (
	"github.com/born-ml/bornbind/internal/blob"
)

// convolution is a 2-D convolution with a square kernel over (N, C, H, W)
// bottoms. Weights have shape (num_output, C, k, k).
type convolution struct {
	base
	numOutput           int
	kernel, stride, pad int
	bias                bool
	n, c, h, w          int
	outH, outW          int
}

func newConvolution(def *Def, ctx *Context) (Layer, error) {
	l := &convolution{base: base{def: def, ctx: ctx}}
	p := def.ConvolutionParam
	if p == nil || p.NumOutput <= 0 {
		return nil, l.errorf("convolution_param.num_output must be positive")
	}
	if p.KernelSize <= 0 {
		return nil, l.errorf("convolution_param.kernel_size must be positive")
	}
	if p.Group > 1 {
		return nil, l.errorf("grouped convolution is not supported")
	}
	if p.Pad < 0 || p.Stride < 0 {
		return nil, l.errorf("pad and stride must not be negative")
	}
	l.numOutput = p.NumOutput
	l.kernel = p.KernelSize
	l.stride = max(p.Stride, 1)
	l.pad = p.Pad
	l.bias = boolOr(p.BiasTerm, true)
	return l, nil
}

func (l *convolution) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	if bottom[0].NumAxes() != 4 {
		return l.errorf("bottom must have 4 axes (N, C, H, W), got %v", bottom[0].Shape())
	}
	p := l.def.ConvolutionParam
	w, err := blob.New(l.numOutput, bottom[0].Dim(1), l.kernel, l.kernel)
	if err != nil {
		return l.errorf("%v", err)
	}
	if err := fill(w, p.WeightFiller, l.ctx); err != nil {
		return l.errorf("weight filler: %v", err)
	}
	l.blobs = []*blob.Blob{w}
	if l.bias {
		b := blob.MustNew(l.numOutput)
		if err := fill(b, p.BiasFiller, l.ctx); err != nil {
			return l.errorf("bias filler: %v", err)
		}
		l.blobs = append(l.blobs, b)
	}
	return l.Reshape(bottom, top)
}

func (l *convolution) Reshape(bottom, top []*blob.Blob) error {
	s := bottom[0].Shape()
	if len(s) != 4 {
		return l.errorf("bottom must have 4 axes (N, C, H, W), got %v", s)
	}
	if s[1] != l.blobs[0].Dim(1) {
		return l.errorf("bottom has %d channels, weights expect %d", s[1], l.blobs[0].Dim(1))
	}
	l.n, l.c, l.h, l.w = s[0], s[1], s[2], s[3]
	l.outH = (l.h+2*l.pad-l.kernel)/l.stride + 1
	l.outW = (l.w+2*l.pad-l.kernel)/l.stride + 1
	if l.outH <= 0 || l.outW <= 0 {
		return l.errorf("kernel %d does not fit input %dx%d with pad %d", l.kernel, l.h, l.w, l.pad)
	}
	return top[0].Reshape([]int{l.n, l.numOutput, l.outH, l.outW})
}

func (l *convolution) inputShape() []int { return []int{l.n, l.c, l.h, l.w} }

func (l *convolution) Forward(bottom, top []*blob.Blob) error {
	be := l.ctx.Backend
	x := bottom[0].DataAs(l.inputShape()...)
	k := l.blobs[0].DataAs(l.blobs[0].Shape()...)
	y := be.Conv2D(x, k, l.stride, l.pad)
	if err := top[0].CopyDataFrom(y); err != nil {
		return err
	}
	if l.bias {
		out, bias := top[0].Data(), l.blobs[1].Data()
		plane := l.outH * l.outW
		for i := range out {
			out[i] += bias[(i/plane)%l.numOutput]
		}
	}
	return nil
}

func (l *convolution) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	be := l.ctx.Backend
	x := bottom[0].DataAs(l.inputShape()...)
	k := l.blobs[0].DataAs(l.blobs[0].Shape()...)
	dy := top[0].DiffAs(top[0].Shape()...)

	dk := be.Conv2DKernelBackward(x, k, dy, l.stride, l.pad)
	addInto(l.blobs[0].Diff(), dk.AsFloat32())

	if l.bias {
		db := l.blobs[1].Diff()
		plane := l.outH * l.outW
		for i, g := range top[0].Diff() {
			db[(i/plane)%l.numOutput] += g
		}
	}

	if propagateDown[0] {
		dx := be.Conv2DInputBackward(x, k, dy, l.stride, l.pad)
		return bottom[0].CopyDiffFrom(dx)
	}
	return nil
}
