package layer

import (
	"github.com/born-ml/bornbind/internal/blob"
)

// innerProduct computes top = bottom · Wᵀ + b, flattening the bottom from
// axis onwards. W has shape (num_output, K).
type innerProduct struct {
	base
	numOutput int
	bias      bool
	axis      int
	m, k      int
}

func newInnerProduct(def *Def, ctx *Context) (Layer, error) {
	l := &innerProduct{base: base{def: def, ctx: ctx}}
	p := def.InnerProductParam
	if p == nil || p.NumOutput <= 0 {
		return nil, l.errorf("inner_product_param.num_output must be positive")
	}
	l.numOutput = p.NumOutput
	l.bias = boolOr(p.BiasTerm, true)
	return l, nil
}

func (l *innerProduct) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	p := l.def.InnerProductParam
	axis, err := canonicalAxis(intOr(p.Axis, 1), bottom[0].NumAxes())
	if err != nil {
		return l.errorf("%v", err)
	}
	l.axis = axis
	l.k = bottom[0].CountFrom(axis)

	w, err := blob.New(l.numOutput, l.k)
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

func (l *innerProduct) Reshape(bottom, top []*blob.Blob) error {
	shape := bottom[0].Shape()
	if k := bottom[0].CountFrom(l.axis); k != l.k {
		return l.errorf("input size %d incompatible with inner product parameters (want %d)", k, l.k)
	}
	l.m = product(shape[:l.axis])
	return top[0].Reshape(append(shape[:l.axis:l.axis], l.numOutput))
}

func (l *innerProduct) Forward(bottom, top []*blob.Blob) error {
	be := l.ctx.Backend
	x := bottom[0].DataAs(l.m, l.k)
	wt := be.Transpose(l.blobs[0].DataAs(l.numOutput, l.k))
	y := be.MatMul(x, wt)
	if l.bias {
		y = be.Add(y, l.blobs[1].DataAs(1, l.numOutput))
	}
	return top[0].CopyDataFrom(y)
}

func (l *innerProduct) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	be := l.ctx.Backend
	dy := top[0].DiffAs(l.m, l.numOutput)

	// dW += dYᵀ · X
	dw := be.MatMul(be.Transpose(dy), bottom[0].DataAs(l.m, l.k))
	addInto(l.blobs[0].Diff(), dw.AsFloat32())
	if l.bias {
		addInto(l.blobs[1].Diff(), be.SumDim(dy, 0, false).AsFloat32())
	}

	if propagateDown[0] {
		dx := be.MatMul(dy, l.blobs[0].DataAs(l.numOutput, l.k))
		return bottom[0].CopyDiffFrom(dx)
	}
	return nil
}
