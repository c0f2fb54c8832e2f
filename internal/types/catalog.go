package types

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"codeberg.org/mutker/tamer/internal/errors"
)

// Built-in identifiers.
const (
	Bool    = "bool"
	Int8    = "int8"
	Uint8   = "uint8"
	Int16   = "int16"
	Uint16  = "uint16"
	Int32   = "int32"
	Uint32  = "uint32"
	Int64   = "int64"
	Uint64  = "uint64"
	Float32 = "float32"
	Float64 = "float64"
)

var bytesID = regexp.MustCompile(`^bytes\[([1-9][0-9]*)\]$`)

// BytesID returns the built-in identifier of an n-byte sequence.
func BytesID(n int) string {
	return "bytes[" + strconv.Itoa(n) + "]"
}

// FieldSpec names a composite member by its registered type identifier.
type FieldSpec struct {
	Name string
	Type string
}

// Catalog maps type identifiers to descriptors. It is safe for concurrent
// use.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]*Descriptor
}

// NewCatalog returns a catalog preloaded with the built-in primitives.
func NewCatalog() *Catalog {
	c := &Catalog{types: make(map[string]*Descriptor)}
	for kind := KindBool; kind <= KindFloat64; kind++ {
		d, _ := NewPrimitive(kind.String(), kind)
		c.types[d.ID] = d
	}
	return c
}

// Describe returns the descriptor registered under id. Identifiers of the
// form "bytes[N]" are built in and resolve without prior registration.
func (c *Catalog) Describe(id string) (*Descriptor, error) {
	c.mu.RLock()
	d, ok := c.types[id]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	if m := bytesID.FindStringSubmatch(id); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return c.Bytes(n)
		}
	}

	return nil, errors.New().WithData(errors.ErrUnknownType, id)
}

// Bytes registers, if needed, and returns the "bytes[n]" descriptor.
func (c *Catalog) Bytes(n int) (*Descriptor, error) {
	d, err := NewBytes(BytesID(n), n)
	if err != nil {
		return nil, err
	}
	return c.Register(d)
}

// Register adds d to the catalog. Registering a structurally equal
// descriptor again returns the existing one; a different layout under the
// same identifier fails with ErrTypeConflict. Composite fields must refer to
// types already in the catalog.
func (c *Catalog) Register(d *Descriptor) (*Descriptor, error) {
	errFactory := errors.New()

	if d == nil || d.ID == "" || d.wire == 0 {
		return nil, errFactory.New(errors.ErrInvalidDescriptor)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Kind == KindComposite {
		for _, f := range d.Fields {
			known, ok := c.types[f.Type.ID]
			if !ok {
				return nil, errFactory.WithMessage(errors.ErrUnknownType,
					fmt.Sprintf("composite %q: field %q has unregistered type %q", d.ID, f.Name, f.Type.ID))
			}
			if !known.Equal(f.Type) {
				return nil, errFactory.WithMessage(errors.ErrTypeConflict,
					fmt.Sprintf("composite %q: field %q uses a layout of %q that differs from the catalog", d.ID, f.Name, f.Type.ID))
			}
		}
	}

	if existing, ok := c.types[d.ID]; ok {
		if existing.Equal(d) {
			return existing, nil
		}
		return nil, errFactory.WithData(errors.ErrTypeConflict, struct {
			ID       string
			Existing string
			Proposed string
		}{
			ID:       d.ID,
			Existing: existing.layout(),
			Proposed: d.layout(),
		})
	}

	c.types[d.ID] = d
	return d, nil
}

// Composite builds and registers a composite from already registered field
// types.
func (c *Catalog) Composite(id string, specs ...FieldSpec) (*Descriptor, error) {
	fields := make([]Field, len(specs))
	for i, spec := range specs {
		ft, err := c.Describe(spec.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = Field{Name: spec.Name, Type: ft}
	}

	d, err := NewComposite(id, fields...)
	if err != nil {
		return nil, err
	}
	return c.Register(d)
}

// IDs lists the registered identifiers in lexical order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.types))
	for id := range c.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Descriptor) layout() string {
	switch d.Kind {
	case KindComposite:
		s := fmt.Sprintf("%s{size=%d align=%d", d.Kind, d.Size, d.Align)
		for _, f := range d.Fields {
			s += fmt.Sprintf(" %s:%s@%d", f.Name, f.Type.ID, f.Offset)
		}
		return s + "}"
	case KindBytes:
		return fmt.Sprintf("%s[%d]", d.Kind, d.Len)
	default:
		return d.Kind.String()
	}
}
