// Package layer implements the Caffe layer set on top of the Born backend.
//
// A layer reads its bottom blobs and writes its top blobs. Matrix products,
// convolutions, max pooling, softmax and reductions are delegated to the
// tensor.Backend in the layer Context; simple element-wise activations are
// computed directly on the blob buffers.
//
// Layers accumulate into the diffs of their learnable blobs during Backward,
// so callers clear parameter diffs between iterations. Bottom diffs are
// overwritten.
package layer

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bornbind/internal/blob"
)

// Phase selects train or test behaviour.
type Phase int

// Phases.
const (
	Train Phase = iota
	Test
)

func (p Phase) String() string {
	if p == Test {
		return "test"
	}
	return "train"
}

// ParsePhase converts "train" or "test" (any case) to a Phase.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(s) {
	case "train":
		return Train, nil
	case "test":
		return Test, nil
	}
	return Train, fmt.Errorf("unknown phase %q", s)
}

// Context carries what every layer needs at construction time.
type Context struct {
	Backend tensor.Backend
	Phase   Phase

	// Rand drives dropout masks and, when set, weight fillers. When nil,
	// gaussian and xavier fillers use Born's initialisers and dropout uses
	// an unseeded generator.
	Rand *rand.Rand
}

func (c *Context) rng() *rand.Rand {
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // G404: not security sensitive
	}
	return c.Rand
}

// Layer is one node of a net.
type Layer interface {
	Name() string
	Type() string

	// Blobs returns the learnable blobs, in the order they are stored in
	// weight files.
	Blobs() []*blob.Blob

	// SetUp checks the bottom and top counts, allocates learnable blobs and
	// shapes the tops.
	SetUp(bottom, top []*blob.Blob) error

	// Reshape adapts the tops (and internal buffers) to the current bottom
	// shapes.
	Reshape(bottom, top []*blob.Blob) error

	Forward(bottom, top []*blob.Blob) error

	// Backward computes bottom diffs for the bottoms whose propagateDown
	// entry is set and accumulates learnable blob diffs.
	Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error
}

// lossLayer is implemented by layers whose first top is a loss.
type lossLayer interface {
	isLoss()
}

// IsLoss reports whether l produces a loss, which gets a default loss
// weight of 1 on its first top.
func IsLoss(l Layer) bool {
	_, ok := l.(lossLayer)
	return ok
}

// base holds what all layers share.
type base struct {
	def   *Def
	ctx   *Context
	blobs []*blob.Blob
}

func (b *base) Name() string        { return b.def.Name }
func (b *base) Type() string        { return b.def.Type }
func (b *base) Blobs() []*blob.Blob { return b.blobs }

// checkCounts validates the number of bottoms and tops. A negative bound
// means unbounded.
func (b *base) checkCounts(bottom, top []*blob.Blob, minBottom, maxBottom, minTop, maxTop int) error {
	if len(bottom) < minBottom || (maxBottom >= 0 && len(bottom) > maxBottom) {
		return fmt.Errorf("%s layer %q: %s, got %d", b.def.Type, b.def.Name, countText("bottom", minBottom, maxBottom), len(bottom))
	}
	if len(top) < minTop || (maxTop >= 0 && len(top) > maxTop) {
		return fmt.Errorf("%s layer %q: %s, got %d", b.def.Type, b.def.Name, countText("top", minTop, maxTop), len(top))
	}
	return nil
}

func countText(what string, lo, hi int) string {
	switch {
	case lo == hi:
		return fmt.Sprintf("takes exactly %d %s blob(s)", lo, what)
	case hi < 0:
		return fmt.Sprintf("takes at least %d %s blob(s)", lo, what)
	default:
		return fmt.Sprintf("takes %d to %d %s blob(s)", lo, hi, what)
	}
}

func (b *base) errorf(format string, args ...any) error {
	return fmt.Errorf("%s layer %q: %s", b.def.Type, b.def.Name, fmt.Sprintf(format, args...))
}

// canonicalAxis resolves a possibly negative axis against n axes.
func canonicalAxis(axis, n int) (int, error) {
	if axis < -n || axis >= n {
		return 0, fmt.Errorf("axis %d out of range for %d axes", axis, n)
	}
	if axis < 0 {
		axis += n
	}
	return axis, nil
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// addInto accumulates src into dst.
func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}
