package layer

import "github.com/born-ml/bornbind/internal/blob"

// flatten collapses the axes [axis, end_axis] of its bottom into one.
type flatten struct {
	base
}

func newFlatten(def *Def, ctx *Context) (Layer, error) {
	return &flatten{base{def: def, ctx: ctx}}, nil
}

func (l *flatten) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 1, 1, 1, 1); err != nil {
		return err
	}
	if top[0] == bottom[0] {
		return l.errorf("cannot run in place")
	}
	return l.Reshape(bottom, top)
}

func (l *flatten) Reshape(bottom, top []*blob.Blob) error {
	axis, end := 1, -1
	if p := l.def.FlattenParam; p != nil {
		axis, end = intOr(p.Axis, 1), intOr(p.EndAxis, -1)
	}
	shape := bottom[0].Shape()
	start, err := canonicalAxis(axis, len(shape))
	if err != nil {
		return l.errorf("%v", err)
	}
	stop, err := canonicalAxis(end, len(shape))
	if err != nil {
		return l.errorf("%v", err)
	}
	if stop < start {
		return l.errorf("end_axis %d before axis %d", end, axis)
	}

	out := append([]int{}, shape[:start]...)
	out = append(out, product(shape[start:stop+1]))
	out = append(out, shape[stop+1:]...)
	return top[0].Reshape(out)
}

func (l *flatten) Forward(bottom, top []*blob.Blob) error {
	copy(top[0].Data(), bottom[0].Data())
	return nil
}

func (l *flatten) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if propagateDown[0] {
		copy(bottom[0].Diff(), top[0].Diff())
	}
	return nil
}
