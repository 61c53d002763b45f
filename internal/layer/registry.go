package layer

import (
	"fmt"
	"slices"
)

// Constructor builds a layer from its definition.
type Constructor func(def *Def, ctx *Context) (Layer, error)

// Registry maps layer type names to constructors.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry creates a registry with every built-in layer type.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}

	r.Register("Input", newInput)
	r.Register("InnerProduct", newInnerProduct)
	r.Register("Convolution", newConvolution)
	r.Register("Pooling", newPooling)
	r.Register("ReLU", newReLU)
	r.Register("Sigmoid", newSigmoid)
	r.Register("TanH", newTanH)
	r.Register("Dropout", newDropout)
	r.Register("Flatten", newFlatten)
	r.Register("Softmax", newSoftmax)
	r.Register("SoftmaxWithLoss", newSoftmaxWithLoss)
	r.Register("EuclideanLoss", newEuclideanLoss)
	r.Register("Accuracy", newAccuracy)
	r.Register("Split", newSplit)

	return r
}

// Default is the registry used by nets unless they are given another.
var Default = NewRegistry()

// Register adds or replaces a layer type.
func (r *Registry) Register(typ string, ctor Constructor) {
	r.ctors[typ] = ctor
}

// Get returns the constructor for a layer type.
func (r *Registry) Get(typ string) (Constructor, bool) {
	c, ok := r.ctors[typ]
	return c, ok
}

// Create builds a layer for def.
func (r *Registry) Create(def *Def, ctx *Context) (Layer, error) {
	ctor, ok := r.ctors[def.Type]
	if !ok {
		return nil, fmt.Errorf("unknown layer type: %s (known types: %v)", def.Type, r.SupportedTypes())
	}
	return ctor(def, ctx)
}

// SupportedTypes returns the registered type names, sorted.
func (r *Registry) SupportedTypes() []string {
	types := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
