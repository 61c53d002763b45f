package layer

import "github.com/born-ml/bornbind/internal/blob"

// split copies one bottom to several tops and sums their diffs on the way
// back. Nets insert it wherever a blob feeds more than one layer.
type split struct {
	base
}

func newSplit(def *Def, ctx *Context) (Layer, error) {
	return &split{base{def: def, ctx: ctx}}, nil
}

func (l *split) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, -1); err != nil {
		return err
	}
	return l.Reshape(bottom, top)
}

func (l *split) Reshape(bottom, top []*blob.Blob) error {
	for _, t := range top {
		if t == bottom[0] {
			return l.errorf("cannot run in place")
		}
		if err := t.ReshapeLike(bottom[0]); err != nil {
			return err
		}
	}
	return nil
}

func (l *split) Forward(bottom, top []*blob.Blob) error {
	x := bottom[0].Data()
	for _, t := range top {
		copy(t.Data(), x)
	}
	return nil
}

func (l *split) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	dx := bottom[0].Diff()
	copy(dx, top[0].Diff())
	for _, t := range top[1:] {
		addInto(dx, t.Diff())
	}
	return nil
}
