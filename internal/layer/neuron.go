package layer

import (
	"math"

	"github.com/born-ml/bornbind/internal/blob"
	"github.com/born-ml/bornbind/internal/parallel"
)

// neuron is the shared shape logic of element-wise layers. They may run in
// place (top and bottom the same blob).
type neuron struct {
	base
}

func (l *neuron) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *neuron) Reshape(bottom, top []*blob.Blob) error {
	if top[0] == bottom[0] {
		return nil
	}
	return top[0].ReshapeLike(bottom[0])
}

// reLU computes max(x, 0) + negative_slope * min(x, 0).
type reLU struct {
	neuron
	slope float32
}

func newReLU(def *Def, ctx *Context) (Layer, error) {
	l := &reLU{neuron: neuron{base{def: def, ctx: ctx}}}
	if p := def.ReLUParam; p != nil {
		l.slope = p.NegativeSlope
	}
	return l, nil
}

func (l *reLU) Forward(bottom, top []*blob.Blob) error {
	x, y := bottom[0].Data(), top[0].Data()
	parallel.Range(len(x), parallel.DefaultConfig(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			v := x[i]
			if v < 0 {
				v *= l.slope
			}
			y[i] = v
		}
	})
	return nil
}

// Backward reads the bottom data; when run in place that is the top data,
// whose sign matches the input for a non-negative slope.
func (l *reLU) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	x, dy, dx := bottom[0].Data(), top[0].Diff(), bottom[0].Diff()
	parallel.Range(len(dy), parallel.DefaultConfig(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			g := dy[i]
			if x[i] <= 0 {
				g *= l.slope
			}
			dx[i] = g
		}
	})
	return nil
}

// sigmoid computes 1 / (1 + exp(-x)).
type sigmoid struct {
	neuron
}

func newSigmoid(def *Def, ctx *Context) (Layer, error) {
	return &sigmoid{neuron{base{def: def, ctx: ctx}}}, nil
}

func (l *sigmoid) Forward(bottom, top []*blob.Blob) error {
	x, y := bottom[0].Data(), top[0].Data()
	parallel.For(len(x), parallel.DefaultConfig(), func(i int) {
		y[i] = float32(0.5 * (math.Tanh(0.5*float64(x[i])) + 1))
	})
	return nil
}

func (l *sigmoid) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	y, dy, dx := top[0].Data(), top[0].Diff(), bottom[0].Diff()
	parallel.For(len(dy), parallel.DefaultConfig(), func(i int) {
		dx[i] = dy[i] * y[i] * (1 - y[i])
	})
	return nil
}

// tanH computes tanh(x).
type tanH struct {
	neuron
}

func newTanH(def *Def, ctx *Context) (Layer, error) {
	return &tanH{neuron{base{def: def, ctx: ctx}}}, nil
}

func (l *tanH) Forward(bottom, top []*blob.Blob) error {
	x, y := bottom[0].Data(), top[0].Data()
	parallel.For(len(x), parallel.DefaultConfig(), func(i int) {
		y[i] = float32(math.Tanh(float64(x[i])))
	})
	return nil
}

func (l *tanH) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	y, dy, dx := top[0].Data(), top[0].Diff(), bottom[0].Diff()
	parallel.For(len(dy), parallel.DefaultConfig(), func(i int) {
		dx[i] = dy[i] * (1 - y[i]*y[i])
	})
	return nil
}

// dropout zeroes inputs with probability ratio during training and scales
// the survivors by 1/(1-ratio). At test time it is the identity.
type dropout struct {
	neuron
	ratio float32
	mask  []bool
}

func newDropout(def *Def, ctx *Context) (Layer, error) {
	l := &dropout{neuron: neuron{base{def: def, ctx: ctx}}, ratio: 0.5}
	if p := def.DropoutParam; p != nil && p.DropoutRatio != nil {
		l.ratio = *p.DropoutRatio
	}
	if l.ratio < 0 || l.ratio >= 1 {
		return nil, l.errorf("dropout_ratio must be in [0, 1), got %v", l.ratio)
	}
	return l, nil
}

func (l *dropout) Forward(bottom, top []*blob.Blob) error {
	x, y := bottom[0].Data(), top[0].Data()
	if l.ctx.Phase == Test {
		copy(y, x)
		return nil
	}

	if cap(l.mask) < len(x) {
		l.mask = make([]bool, len(x))
	}
	l.mask = l.mask[:len(x)]
	scale := 1 / (1 - l.ratio)
	r := l.ctx.rng()
	for i, v := range x {
		l.mask[i] = r.Float32() >= l.ratio
		if l.mask[i] {
			y[i] = v * scale
		} else {
			y[i] = 0
		}
	}
	return nil
}

func (l *dropout) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	dy, dx := top[0].Diff(), bottom[0].Diff()
	if l.ctx.Phase == Test {
		copy(dx, dy)
		return nil
	}
	scale := 1 / (1 - l.ratio)
	for i, g := range dy {
		if l.mask[i] {
			dx[i] = g * scale
		} else {
			dx[i] = 0
		}
	}
	return nil
}
