package layer

import (
	"github.com/born-ml/bornbind/internal/blob"
)

// accuracy reports the fraction of predictions whose label is among the
// top_k scores. It has no backward pass.
type accuracy struct {
	base
	topK                   int
	ignore                 bool
	ignoreLabel            int
	outer, channels, inner int
}

func newAccuracy(def *Def, ctx *Context) (Layer, error) {
	l := &accuracy{base: base{def: def, ctx: ctx}, topK: 1}
	if p := def.AccuracyParam; p != nil {
		if p.TopK > 0 {
			l.topK = p.TopK
		}
		if p.IgnoreLabel != nil {
			l.ignore, l.ignoreLabel = true, *p.IgnoreLabel
		}
	}
	return l, nil
}

func (l *accuracy) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 2, 2, 1, 1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *accuracy) Reshape(bottom, top []*blob.Blob) error {
	axis := 1
	if p := l.def.AccuracyParam; p != nil {
		axis = intOr(p.Axis, 1)
	}
	var err error
	l.outer, l.channels, l.inner, err = splitAxis(&SoftmaxParam{Axis: &axis}, bottom[0])
	if err != nil {
		return l.errorf("%v", err)
	}
	if l.topK > l.channels {
		return l.errorf("top_k %d exceeds the number of classes %d", l.topK, l.channels)
	}
	if n := bottom[1].Count(); n != l.outer*l.inner {
		return l.errorf("label count %d does not match prediction count %d", n, l.outer*l.inner)
	}
	return top[0].Reshape([]int{})
}

func (l *accuracy) Forward(bottom, top []*blob.Blob) error {
	scores, labels := bottom[0].Data(), bottom[1].Data()
	correct, count := 0, 0
	for o := 0; o < l.outer; o++ {
		for in := 0; in < l.inner; in++ {
			label := int(labels[o*l.inner+in])
			if l.ignore && label == l.ignoreLabel {
				continue
			}
			if label < 0 || label >= l.channels {
				return l.errorf("label %d out of range [0, %d)", label, l.channels)
			}
			count++

			// The label is in the top k when fewer than k classes score
			// strictly higher.
			at := func(c int) float32 { return scores[(o*l.channels+c)*l.inner+in] }
			target, higher := at(label), 0
			for c := 0; c < l.channels && higher < l.topK; c++ {
				if at(c) > target {
					higher++
				}
			}
			if higher < l.topK {
				correct++
			}
		}
	}

	var acc float32
	if count > 0 {
		acc = float32(correct) / float32(count)
	}
	top[0].Data()[0] = acc
	return nil
}

// Backward is a no-op: accuracy never contributes to a loss.
func (l *accuracy) Backward(_ []*blob.Blob, _ []bool, _ []*blob.Blob) error { return nil }
