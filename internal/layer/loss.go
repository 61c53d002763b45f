package layer

import (
	"github.com/born-ml/bornbind/internal/blob"
)

// euclideanLoss computes sum((a - b)^2) / (2N) where N is the first axis
// of the bottoms.
type euclideanLoss struct {
	base
	diff []float32
}

func (*euclideanLoss) isLoss() {}

func newEuclideanLoss(def *Def, ctx *Context) (Layer, error) {
	return &euclideanLoss{base: base{def: def, ctx: ctx}}, nil
}

func (l *euclideanLoss) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 2, 2, 1, 1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *euclideanLoss) Reshape(bottom, top []*blob.Blob) error {
	if bottom[0].CountFrom(1) != bottom[1].CountFrom(1) {
		return l.errorf("inputs must have the same dimension, got %v and %v", bottom[0].Shape(), bottom[1].Shape())
	}
	if bottom[0].Count() != bottom[1].Count() {
		return l.errorf("inputs must have the same count, got %d and %d", bottom[0].Count(), bottom[1].Count())
	}
	return top[0].Reshape([]int{})
}

func (l *euclideanLoss) Forward(bottom, top []*blob.Blob) error {
	n := bottom[0].Count()
	d := l.ctx.Backend.Sub(bottom[0].DataAs(n), bottom[1].DataAs(n))
	l.diff = append(l.diff[:0], d.AsFloat32()...)

	var sum float64
	for _, v := range l.diff {
		sum += float64(v) * float64(v)
	}
	top[0].Data()[0] = float32(sum / float64(2*bottom[0].Dim(0)))
	return nil
}

func (l *euclideanLoss) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	scale := top[0].Diff()[0] / float32(bottom[0].Dim(0))
	for i := range 2 {
		if !propagateDown[i] {
			continue
		}
		sign := float32(1)
		if i == 1 {
			sign = -1
		}
		dx := bottom[i].Diff()
		for j, v := range l.diff {
			dx[j] = sign * scale * v
		}
	}
	return nil
}
