// Package handle implements generation-keyed weak handles.
//
// The Registry owns every solver and stand-alone net created through the
// binding. Objects are exposed to the host as a Handle carrying an object id
// and the registry key that was current when the handle was issued. Reset
// releases the owned objects and advances the key, which invalidates every
// outstanding handle at once without tracking who holds them.
package handle

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"reflect"
)

// Handle errors.
var (
	ErrStaleHandle   = errors.New("invalid init_key, the object might have been cleared")
	ErrInvalidHandle = errors.New("handle does not refer to a live object")
	ErrWrongKind     = errors.New("handle refers to an object of another kind")
)

// Key is the registry generation key.
type Key uint64

// Handle is an opaque, non-owning reference to a registered object.
type Handle struct {
	Ptr     uint64 // object id assigned by the registry
	InitKey Key    // registry key at issue time
}

// Kind names the object families owned by the registry.
type Kind string

// Owned object kinds.
const (
	KindSolver Kind = "solver"
	KindNet    Kind = "net"
)

// Registry maps handles to objects. It is not safe for concurrent use;
// callers serialise access.
type Registry struct {
	key     Key
	nextID  uint64
	objects map[uint64]any
	ids     map[any]uint64
	owned   map[Kind][]any
}

// NewRegistry creates an empty registry with a random initial key.
func NewRegistry() *Registry {
	return NewRegistryWithKey(Key(rand.Uint64()))
}

// NewRegistryWithKey creates an empty registry starting at key.
func NewRegistryWithKey(key Key) *Registry {
	return &Registry{
		key:     key,
		nextID:  1,
		objects: make(map[uint64]any),
		ids:     make(map[any]uint64),
		owned:   make(map[Kind][]any),
	}
}

// Key returns the current generation key.
func (r *Registry) Key() Key {
	return r.key
}

// Own transfers ownership of obj to the registry and returns its handle.
func (r *Registry) Own(kind Kind, obj any) Handle {
	r.owned[kind] = append(r.owned[kind], obj)
	return r.Issue(obj)
}

// Owned returns the objects of kind in insertion order.
func (r *Registry) Owned(kind Kind) []any {
	return r.owned[kind]
}

// Issue returns a handle for obj without taking ownership. obj must be a
// pointer; the same pointer yields the same id until the next Reset.
func (r *Registry) Issue(obj any) Handle {
	if v := reflect.ValueOf(obj); v.Kind() != reflect.Pointer || v.IsNil() {
		panic(fmt.Sprintf("handle: cannot issue a handle for %T", obj))
	}
	id, ok := r.ids[obj]
	if !ok {
		id = r.nextID
		r.nextID++
		r.ids[obj] = id
		r.objects[id] = obj
	}
	return Handle{Ptr: id, InitKey: r.key}
}

// IssueAll returns handles for every element of objs.
func IssueAll[T any](r *Registry, objs []T) []Handle {
	handles := make([]Handle, len(objs))
	for i, obj := range objs {
		handles[i] = r.Issue(obj)
	}
	return handles
}

// Lookup returns the object behind h. It fails closed on a key mismatch.
func (r *Registry) Lookup(h Handle) (any, error) {
	if h.InitKey != r.key {
		return nil, ErrStaleHandle
	}
	obj, ok := r.objects[h.Ptr]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrInvalidHandle, h.Ptr)
	}
	return obj, nil
}

// Resolve returns the object behind h as a T.
func Resolve[T any](r *Registry, h Handle) (T, error) {
	var zero T
	obj, err := r.Lookup(h)
	if err != nil {
		return zero, err
	}
	t, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%w: want %T, have %T", ErrWrongKind, zero, obj)
	}
	return t, nil
}

// Reset releases every owned object, forgets all issued ids and advances
// the key. It returns the number of objects released per kind.
func (r *Registry) Reset() (map[Kind]int, error) {
	counts := make(map[Kind]int, len(r.owned))
	var errs []error
	for kind, objs := range r.owned {
		counts[kind] = len(objs)
		for _, obj := range objs {
			if c, ok := obj.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("release %s: %w", kind, err))
				}
			}
		}
	}

	r.owned = make(map[Kind][]any)
	r.objects = make(map[uint64]any)
	r.ids = make(map[any]uint64)
	r.nextID = 1
	r.key++

	return counts, errors.Join(errs...)
}
