package channel

import (
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/types"
)

// Source supplies the memory a handle copies from at snapshot time. The
// two implementations are Stable and Cell.
type Source interface {
	pointer() unsafe.Pointer
	size() uintptr
	kind() reflect.Kind
	bind(mu *sync.Mutex) error
	unbind()
}

type stableSource struct {
	p unsafe.Pointer
	n uintptr
	k reflect.Kind
}

// Stable registers the memory at p without copying. The caller guarantees
// that p stays valid and is not reused while the value is registered, and
// accepts that concurrent writers may tear multi-byte values. Prefer a Cell
// unless the copy matters.
func Stable[T any](p *T) Source {
	var zero T
	return stableSource{p: unsafe.Pointer(p), n: unsafe.Sizeof(zero), k: reflect.TypeFor[T]().Kind()}
}

func (s stableSource) pointer() unsafe.Pointer { return s.p }
func (s stableSource) size() uintptr           { return s.n }
func (s stableSource) kind() reflect.Kind      { return s.k }
func (stableSource) bind(*sync.Mutex) error    { return nil }
func (stableSource) unbind()                   {}

// Cell holds a value that is copied in on Set. Once registered, Set, Get
// and Update take the owning channel's lock, so a snapshot never observes a
// partial write. A cell can be registered in one channel at a time.
type Cell[T any] struct {
	own   sync.Mutex
	bound atomic.Pointer[sync.Mutex]
	value T
}

// NewCell returns a cell holding initial.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial}
}

// locked runs fn while holding whichever lock currently guards the value.
// The binding can change while we wait for a lock, hence the recheck.
func (c *Cell[T]) locked(fn func()) {
	for {
		mu := c.bound.Load()
		if mu == nil {
			mu = &c.own
		}
		mu.Lock()
		current := c.bound.Load()
		if (current == nil && mu == &c.own) || current == mu {
			fn()
			mu.Unlock()
			return
		}
		mu.Unlock()
	}
}

// Set stores v.
func (c *Cell[T]) Set(v T) {
	c.locked(func() { c.value = v })
}

// Get returns the stored value.
func (c *Cell[T]) Get() T {
	var v T
	c.locked(func() { v = c.value })
	return v
}

// Update applies fn to the stored value in place.
func (c *Cell[T]) Update(fn func(*T)) {
	c.locked(func() { fn(&c.value) })
}

func (c *Cell[T]) pointer() unsafe.Pointer { return unsafe.Pointer(&c.value) }

func (c *Cell[T]) size() uintptr { return unsafe.Sizeof(c.value) }

func (c *Cell[T]) kind() reflect.Kind { return reflect.TypeFor[T]().Kind() }

func (c *Cell[T]) bind(mu *sync.Mutex) error {
	c.own.Lock()
	defer c.own.Unlock()

	if !c.bound.CompareAndSwap(nil, mu) {
		return errors.New().WithMessage(errors.ErrSourceMismatch, "cell is already registered in a channel")
	}
	return nil
}

func (c *Cell[T]) unbind() {
	c.own.Lock()
	c.bound.Store(nil)
	c.own.Unlock()
}

// sourceKinds is the Go kind a source must have to back a primitive type.
var sourceKinds = [...]reflect.Kind{
	types.KindBool:    reflect.Bool,
	types.KindInt8:    reflect.Int8,
	types.KindUint8:   reflect.Uint8,
	types.KindInt16:   reflect.Int16,
	types.KindUint16:  reflect.Uint16,
	types.KindInt32:   reflect.Int32,
	types.KindUint32:  reflect.Uint32,
	types.KindInt64:   reflect.Int64,
	types.KindUint64:  reflect.Uint64,
	types.KindFloat32: reflect.Float32,
	types.KindFloat64: reflect.Float64,
}

// compatible reports whether src can back a value of type d. Primitives
// need the matching Go kind; int and uint pass when their size matches.
// Byte sequences and composites are checked by size only.
func compatible(d *types.Descriptor, src Source) bool {
	if src.size() != d.Size {
		return false
	}
	if !d.Kind.IsPrimitive() {
		return true
	}
	want, got := sourceKinds[d.Kind], src.kind()
	switch got {
	case reflect.Int:
		return want == reflect.Int32 || want == reflect.Int64
	case reflect.Uint, reflect.Uintptr:
		return want == reflect.Uint32 || want == reflect.Uint64
	}
	return got == want
}
