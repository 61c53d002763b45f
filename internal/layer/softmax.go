package layer

import (
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/bornbind/internal/blob"
)

// fltMin is the smallest normal float32, used to keep log() finite.
const fltMin = 1.17549435e-38

// softmax normalises exp(x) over one axis.
type softmax struct {
	base
	outer, channels, inner int
}

func newSoftmax(def *Def, ctx *Context) (Layer, error) {
	return &softmax{base: base{def: def, ctx: ctx}}, nil
}

func (l *softmax) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *softmax) Reshape(bottom, top []*blob.Blob) error {
	var err error
	l.outer, l.channels, l.inner, err = splitAxis(l.def.SoftmaxParam, bottom[0])
	if err != nil {
		return l.errorf("%v", err)
	}
	if top[0] == bottom[0] {
		return nil
	}
	return top[0].ReshapeLike(bottom[0])
}

func (l *softmax) Forward(bottom, top []*blob.Blob) error {
	y := l.ctx.Backend.Softmax(bottom[0].DataAs(l.outer, l.channels, l.inner), 1)
	return top[0].CopyDataFrom(y)
}

// Backward computes dx = y * (dy - sum_c(dy * y)).
func (l *softmax) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	y, dy, dx := top[0].Data(), top[0].Diff(), bottom[0].Diff()
	for o := 0; o < l.outer; o++ {
		for in := 0; in < l.inner; in++ {
			off := o*l.channels*l.inner + in
			var dot float32
			for c := 0; c < l.channels; c++ {
				i := off + c*l.inner
				dot += dy[i] * y[i]
			}
			for c := 0; c < l.channels; c++ {
				i := off + c*l.inner
				dx[i] = y[i] * (dy[i] - dot)
			}
		}
	}
	return nil
}

// splitAxis returns the element counts before, along and after the softmax
// axis (default 1).
func splitAxis(p *SoftmaxParam, b *blob.Blob) (outer, channels, inner int, err error) {
	axis := 1
	if p != nil {
		axis = intOr(p.Axis, 1)
	}
	axis, err = canonicalAxis(axis, b.NumAxes())
	if err != nil {
		return 0, 0, 0, err
	}
	shape := b.Shape()
	return product(shape[:axis]), shape[axis], b.CountFrom(axis + 1), nil
}

// normalization modes of loss layers.
const (
	normFull = iota
	normValid
	normBatch
	normNone
)

func parseNormalization(p *LossParam) (int, error) {
	if p == nil {
		return normValid, nil
	}
	if p.Normalization == "" && p.Normalize != nil {
		if *p.Normalize {
			return normValid, nil
		}
		return normBatch, nil
	}
	switch strings.ToUpper(p.Normalization) {
	case "", "VALID":
		return normValid, nil
	case "FULL":
		return normFull, nil
	case "BATCH_SIZE":
		return normBatch, nil
	case "NONE":
		return normNone, nil
	}
	return 0, fmt.Errorf("unknown loss normalization %q", p.Normalization)
}

// softmaxWithLoss is the multinomial logistic loss of the softmax of its
// first bottom against the integer labels in its second bottom. An optional
// second top receives the probabilities.
type softmaxWithLoss struct {
	softmax
	norm        int
	ignore      bool
	ignoreLabel int
	prob        []float32
	normalizer  float32
}

func (*softmaxWithLoss) isLoss() {}

func newSoftmaxWithLoss(def *Def, ctx *Context) (Layer, error) {
	l := &softmaxWithLoss{softmax: softmax{base: base{def: def, ctx: ctx}}}
	norm, err := parseNormalization(def.LossParam)
	if err != nil {
		return nil, l.errorf("%v", err)
	}
	l.norm = norm
	if p := def.LossParam; p != nil && p.IgnoreLabel != nil {
		l.ignore, l.ignoreLabel = true, *p.IgnoreLabel
	}
	return l, nil
}

func (l *softmaxWithLoss) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 2, 2, 1, 2); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *softmaxWithLoss) Reshape(bottom, top []*blob.Blob) error {
	var err error
	l.outer, l.channels, l.inner, err = splitAxis(l.def.SoftmaxParam, bottom[0])
	if err != nil {
		return l.errorf("%v", err)
	}
	if n := bottom[1].Count(); n != l.outer*l.inner {
		return l.errorf("label count %d does not match prediction count %d", n, l.outer*l.inner)
	}
	if err := top[0].Reshape([]int{}); err != nil {
		return err
	}
	if len(top) > 1 {
		return top[1].ReshapeLike(bottom[0])
	}
	return nil
}

func (l *softmaxWithLoss) Forward(bottom, top []*blob.Blob) error {
	p := l.ctx.Backend.Softmax(bottom[0].DataAs(l.outer, l.channels, l.inner), 1)
	l.prob = append(l.prob[:0], p.AsFloat32()...)
	labels := bottom[1].Data()

	var loss float64
	valid := 0
	for o := 0; o < l.outer; o++ {
		for in := 0; in < l.inner; in++ {
			label := int(labels[o*l.inner+in])
			if l.ignore && label == l.ignoreLabel {
				continue
			}
			if label < 0 || label >= l.channels {
				return l.errorf("label %d out of range [0, %d)", label, l.channels)
			}
			pr := l.prob[(o*l.channels+label)*l.inner+in]
			loss -= math.Log(float64(max(pr, fltMin)))
			valid++
		}
	}

	l.normalizer = l.normalize(valid)
	top[0].Data()[0] = float32(loss) / l.normalizer
	if len(top) > 1 {
		return top[1].SetData(l.prob)
	}
	return nil
}

func (l *softmaxWithLoss) normalize(valid int) float32 {
	var n int
	switch l.norm {
	case normFull:
		n = l.outer * l.inner
	case normValid:
		n = valid
		if !l.ignore {
			n = l.outer * l.inner
		}
	case normBatch:
		n = l.outer
	case normNone:
		n = 1
	}
	return float32(max(n, 1))
}

// Backward never propagates to the labels.
func (l *softmaxWithLoss) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	dx := bottom[0].Diff()
	copy(dx, l.prob)
	labels := bottom[1].Data()
	scale := top[0].Diff()[0] / l.normalizer
	for o := 0; o < l.outer; o++ {
		for in := 0; in < l.inner; in++ {
			label := int(labels[o*l.inner+in])
			if l.ignore && label == l.ignoreLabel {
				for c := 0; c < l.channels; c++ {
					dx[(o*l.channels+c)*l.inner+in] = 0
				}
				continue
			}
			dx[(o*l.channels+label)*l.inner+in]--
		}
	}
	for i := range dx {
		dx[i] *= scale
	}
	return nil
}
