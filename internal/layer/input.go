package layer

import "github.com/born-ml/bornbind/internal/blob"

// input provides the net's input blobs. The host fills them between passes.
type input struct {
	base
}

func newInput(def *Def, ctx *Context) (Layer, error) {
	return &input{base{def: def, ctx: ctx}}, nil
}

func (l *input) SetUp(bottom, top []*blob.Blob) error {
	if err := l.checkCounts(bottom, top, 0, 0, 1, -1); err != nil {
		return err
	}
	var shapes []BlobShape
	if p := l.def.InputParam; p != nil {
		shapes = p.Shape
	}
	if len(shapes) != 1 && len(shapes) != len(top) {
		return l.errorf("input_param must give one shape or one per top (%d), got %d", len(top), len(shapes))
	}
	for i, t := range top {
		s := shapes[0]
		if len(shapes) > 1 {
			s = shapes[i]
		}
		if err := t.Reshape(s.Dim); err != nil {
			return l.errorf("%v", err)
		}
	}
	return nil
}

// Reshape keeps whatever shape the host gave the tops.
func (l *input) Reshape(_, _ []*blob.Blob) error { return nil }

func (l *input) Forward(_, _ []*blob.Blob) error { return nil }

func (l *input) Backward(_ []*blob.Blob, _ []bool, _ []*blob.Blob) error { return nil }
