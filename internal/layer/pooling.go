package layer

import (
	"strings"

	"github.com/born-ml/bornbind/internal/blob"
)

// pooling applies MAX or AVE pooling over square windows of (N, C, H, W)
// bottoms. Output sizes round down and windows never leave the input.
type pooling struct {
	base
	max            bool
	global         bool
	kernel, stride int
	n, c, h, w     int
	outH, outW     int
	argmax         []int // flat bottom index of each top element (MAX)
}

func newPooling(def *Def, ctx *Context) (Layer, error) {
	l := &pooling{base: base{def: def, ctx: ctx}}
	p := def.PoolingParam
	if p == nil {
		p = &PoolingParam{}
	}
	switch strings.ToUpper(p.Pool) {
	case "", "MAX":
		l.max = true
	case "AVE":
	default:
		return nil, l.errorf("unsupported pooling method %q", p.Pool)
	}
	if p.Pad != 0 {
		return nil, l.errorf("padded pooling is not supported")
	}
	l.global = p.GlobalPooling
	if !l.global && p.KernelSize <= 0 {
		return nil, l.errorf("pooling_param.kernel_size must be positive")
	}
	l.kernel = p.KernelSize
	l.stride = max(p.Stride, 1)
	return l, nil
}

func (l *pooling) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *pooling) Reshape(bottom, top []*blob.Blob) error {
	s := bottom[0].Shape()
	if len(s) != 4 {
		return l.errorf("bottom must have 4 axes (N, C, H, W), got %v", s)
	}
	l.n, l.c, l.h, l.w = s[0], s[1], s[2], s[3]
	if l.global {
		if l.h != l.w {
			return l.errorf("global pooling needs square input, got %dx%d", l.h, l.w)
		}
		l.kernel, l.stride = l.h, 1
	}
	if l.kernel > l.h || l.kernel > l.w {
		return l.errorf("kernel %d larger than input %dx%d", l.kernel, l.h, l.w)
	}
	l.outH = (l.h-l.kernel)/l.stride + 1
	l.outW = (l.w-l.kernel)/l.stride + 1
	return top[0].Reshape([]int{l.n, l.c, l.outH, l.outW})
}

func (l *pooling) Forward(bottom, top []*blob.Blob) error {
	if l.max {
		l.findArgmax(bottom[0].Data())
		y := l.ctx.Backend.MaxPool2D(bottom[0].DataAs(l.n, l.c, l.h, l.w), l.kernel, l.stride)
		return top[0].CopyDataFrom(y)
	}

	x, y := bottom[0].Data(), top[0].Data()
	scale := 1 / float32(l.kernel*l.kernel)
	l.windows(func(out, in int) {
		if in < 0 {
			y[out] = 0
			return
		}
		y[out] += x[in] * scale
	})
	return nil
}

func (l *pooling) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	if l.max {
		dx := l.ctx.Backend.MaxPool2DBackward(
			bottom[0].DataAs(l.n, l.c, l.h, l.w),
			top[0].DiffAs(l.n, l.c, l.outH, l.outW),
			l.argmax, l.kernel, l.stride)
		return bottom[0].CopyDiffFrom(dx)
	}

	dy, dx := top[0].Diff(), bottom[0].Diff()
	clear(dx)
	scale := 1 / float32(l.kernel*l.kernel)
	l.windows(func(out, in int) {
		if in >= 0 {
			dx[in] += dy[out] * scale
		}
	})
	return nil
}

// findArgmax records the first maximum of every window.
func (l *pooling) findArgmax(x []float32) {
	l.argmax = l.argmax[:0]
	best := -1
	l.windows(func(_, in int) {
		if in < 0 {
			if best >= 0 {
				l.argmax = append(l.argmax, best)
			}
			best = -1
			return
		}
		if best < 0 || x[in] > x[best] {
			best = in
		}
	})
	if best >= 0 {
		l.argmax = append(l.argmax, best)
	}
}

// windows calls fn(out, -1) when the window of top element out starts, then
// fn(out, in) for every bottom element in that window. Top elements are
// visited in row-major order.
func (l *pooling) windows(fn func(out, in int)) {
	out := 0
	for nc := 0; nc < l.n*l.c; nc++ {
		plane := nc * l.h * l.w
		for oh := 0; oh < l.outH; oh++ {
			for ow := 0; ow < l.outW; ow++ {
				fn(out, -1)
				h0, w0 := oh*l.stride, ow*l.stride
				for kh := 0; kh < l.kernel; kh++ {
					row := plane + (h0+kh)*l.w + w0
					for kw := 0; kw < l.kernel; kw++ {
						fn(out, row+kw)
					}
				}
				out++
			}
		}
	}
}
