package types

import (
	"fmt"
	"strings"
	"unsafe"

	"codeberg.org/mutker/tamer/internal/errors"
)

// Descriptor is the immutable layout description of a registered type.
type Descriptor struct {
	ID     string
	Kind   Kind
	Size   uintptr // in-memory size, padding included
	Align  uintptr
	Len    int     // byte count, KindBytes only
	Fields []Field // KindComposite only

	wire int
	ops  []op
}

// Field is one member of a composite descriptor.
type Field struct {
	Name   string
	Type   *Descriptor
	Offset uintptr // in-memory offset within the parent
}

// op copies one primitive or byte run from memory to the wire.
type op struct {
	kind Kind
	mem  uintptr
	wire int
	n    int
}

// WireSize returns the number of bytes the type occupies in a frame payload.
func (d *Descriptor) WireSize() int {
	return d.wire
}

// String returns the type identifier.
func (d *Descriptor) String() string {
	return d.ID
}

// Equal reports whether d and other describe the same layout under the same
// identifier.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == other {
		return true
	}
	if d == nil || other == nil {
		return false
	}
	if d.ID != other.ID || d.Kind != other.Kind || d.Size != other.Size ||
		d.Align != other.Align || d.Len != other.Len || len(d.Fields) != len(other.Fields) {
		return false
	}
	for i := range d.Fields {
		a, b := d.Fields[i], other.Fields[i]
		if a.Name != b.Name || a.Offset != b.Offset || !a.Type.Equal(b.Type) {
			return false
		}
	}
	return true
}

// NewPrimitive describes a scalar. The identifier may be a built-in name or
// an alias such as "celsius" for float32.
func NewPrimitive(id string, kind Kind) (*Descriptor, error) {
	errFactory := errors.New()

	if id == "" || !kind.IsPrimitive() {
		return nil, errFactory.WithData(errors.ErrInvalidDescriptor, struct {
			ID   string
			Kind string
		}{
			ID:   id,
			Kind: kind.String(),
		})
	}

	p := primitives[kind]
	d := &Descriptor{
		ID:    id,
		Kind:  kind,
		Size:  p.size,
		Align: p.align,
	}
	d.build()

	return d, nil
}

// NewBytes describes a fixed-length byte sequence, the layout of a Go [n]byte.
func NewBytes(id string, n int) (*Descriptor, error) {
	if id == "" || n <= 0 {
		return nil, errors.New().WithData(errors.ErrInvalidDescriptor, struct {
			ID  string
			Len int
		}{
			ID:  id,
			Len: n,
		})
	}

	d := &Descriptor{
		ID:    id,
		Kind:  KindBytes,
		Size:  uintptr(n),
		Align: 1,
		Len:   n,
	}
	d.build()

	return d, nil
}

// NewComposite lays out fields in order using the Go struct layout rules:
// each field at the next multiple of its alignment, the total rounded up to
// the largest alignment. Offsets given in fields are ignored.
func NewComposite(id string, fields ...Field) (*Descriptor, error) {
	errFactory := errors.New()

	if id == "" || len(fields) == 0 {
		return nil, errFactory.WithMessage(errors.ErrInvalidDescriptor,
			fmt.Sprintf("composite %q needs an identifier and at least one field", id))
	}

	seen := make(map[string]struct{}, len(fields))
	laid := make([]Field, len(fields))
	var offset, maxAlign uintptr = 0, 1

	for i, f := range fields {
		if f.Name == "" || strings.ContainsAny(f.Name, " \t\n/") || f.Type == nil {
			return nil, errFactory.WithMessage(errors.ErrInvalidDescriptor,
				fmt.Sprintf("composite %q: invalid field #%d %q", id, i, f.Name))
		}
		if _, dup := seen[f.Name]; dup {
			return nil, errFactory.WithMessage(errors.ErrInvalidDescriptor,
				fmt.Sprintf("composite %q: duplicate field %q", id, f.Name))
		}
		seen[f.Name] = struct{}{}

		offset = alignUp(offset, f.Type.Align)
		laid[i] = Field{Name: f.Name, Type: f.Type, Offset: offset}
		offset += f.Type.Size
		maxAlign = max(maxAlign, f.Type.Align)
	}

	d := &Descriptor{
		ID:     id,
		Kind:   KindComposite,
		Size:   alignUp(offset, maxAlign),
		Align:  maxAlign,
		Fields: laid,
	}
	d.build()

	return d, nil
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// build flattens the descriptor into copy operations and records its wire
// size. Adjacent byte runs are not merged; payloads are small.
func (d *Descriptor) build() {
	d.ops = d.flatten(d.ops[:0], 0, 0)
	d.wire = 0
	for _, o := range d.ops {
		d.wire += o.n
	}
}

func (d *Descriptor) flatten(ops []op, mem uintptr, wire int) []op {
	switch d.Kind {
	case KindBytes:
		return append(ops, op{kind: KindBytes, mem: mem, wire: wire, n: d.Len})
	case KindComposite:
		for _, f := range d.Fields {
			ops = f.Type.flatten(ops, mem+f.Offset, wire)
			wire += f.Type.wire
		}
		return ops
	default:
		return append(ops, op{kind: d.Kind, mem: mem, wire: wire, n: int(primitives[d.Kind].size)})
	}
}

// Encode copies the value at src into dst[:WireSize()]. src must point to
// memory laid out as described by d.
func (d *Descriptor) Encode(dst []byte, src unsafe.Pointer) {
	dst = dst[:d.wire]
	for _, o := range d.ops {
		p := unsafe.Add(src, o.mem)
		if o.kind == KindBytes {
			copy(dst[o.wire:o.wire+o.n], unsafe.Slice((*byte)(p), o.n))
			continue
		}
		primitives[o.kind].encode(dst[o.wire:], p)
	}
}

// Member is one decoded field of a composite value.
type Member struct {
	Name  string
	Value any
}

// Decode converts wire bytes back into a Go value: the matching scalar type
// for primitives, a []byte copy for byte sequences and []Member for
// composites.
func (d *Descriptor) Decode(src []byte) any {
	switch d.Kind {
	case KindBytes:
		out := make([]byte, d.Len)
		copy(out, src[:d.Len])
		return out
	case KindComposite:
		members := make([]Member, len(d.Fields))
		off := 0
		for i, f := range d.Fields {
			members[i] = Member{Name: f.Name, Value: f.Type.Decode(src[off:])}
			off += f.Type.wire
		}
		return members
	default:
		return primitives[d.Kind].decode(src)
	}
}
