package schema

import (
	"fmt"

	"codeberg.org/mutker/tamer/internal/codec"
	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/types"
)

// wireSchema is the self-contained CBOR form of a Schema: every type a
// field depends on is listed, dependencies first, so a reader needs no
// catalog of its own.
type wireSchema struct {
	Format  int         `cbor:"format"`
	Channel string      `cbor:"channel"`
	Version uint32      `cbor:"version"`
	Hash    uint64      `cbor:"hash"`
	Fields  []wireField `cbor:"fields"`
	Types   []wireType  `cbor:"types"`
}

type wireField struct {
	Name string `cbor:"name"`
	Type string `cbor:"type"`
}

type wireType struct {
	ID     string      `cbor:"id"`
	Kind   string      `cbor:"kind"`
	Len    int         `cbor:"len,omitempty"`
	Fields []wireField `cbor:"fields,omitempty"`
}

// Marshal encodes s to its CBOR form.
func Marshal(s *Schema) ([]byte, error) {
	w := wireSchema{
		Format:  FormatVersion,
		Channel: s.Channel,
		Version: s.Version,
		Hash:    s.Hash,
		Fields:  make([]wireField, len(s.Fields)),
	}

	seen := make(map[string]struct{})
	for i, f := range s.Fields {
		w.Fields[i] = wireField{Name: f.Name, Type: f.Type.ID}
		w.Types = appendType(w.Types, seen, f.Type)
	}

	data, err := codec.Marshal(w)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrSchemaEncoding, err)
	}
	return data, nil
}

func appendType(out []wireType, seen map[string]struct{}, d *types.Descriptor) []wireType {
	if _, ok := seen[d.ID]; ok {
		return out
	}
	seen[d.ID] = struct{}{}

	wt := wireType{ID: d.ID, Kind: d.Kind.String(), Len: d.Len}
	for _, f := range d.Fields {
		out = appendType(out, seen, f.Type)
		wt.Fields = append(wt.Fields, wireField{Name: f.Name, Type: f.Type.ID})
	}
	return append(out, wt)
}

// Unmarshal decodes a schema produced by Marshal and verifies its hash.
func Unmarshal(data []byte) (*Schema, error) {
	errFactory := errors.New()

	var w wireSchema
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, errFactory.Wrap(errors.ErrSchemaEncoding, err)
	}
	if w.Format != FormatVersion {
		return nil, errFactory.WithMessage(errors.ErrSchemaEncoding,
			fmt.Sprintf("unsupported schema format %d", w.Format))
	}

	descriptors := make(map[string]*types.Descriptor, len(w.Types))
	for _, wt := range w.Types {
		d, err := buildType(wt, descriptors)
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrSchemaEncoding, err)
		}
		descriptors[d.ID] = d
	}

	entries := make([]Entry, len(w.Fields))
	for i, f := range w.Fields {
		d, ok := descriptors[f.Type]
		if !ok {
			return nil, errFactory.WithMessage(errors.ErrSchemaEncoding,
				fmt.Sprintf("field %q references undeclared type %q", f.Name, f.Type))
		}
		entries[i] = Entry{Name: f.Name, Type: d}
	}

	s := New(w.Channel, w.Version, entries)
	if s.Hash != w.Hash {
		return nil, errFactory.WithMessage(errors.ErrSchemaEncoding,
			fmt.Sprintf("schema %q v%d: hash %x does not match content %x", w.Channel, w.Version, w.Hash, s.Hash))
	}

	return s, nil
}

func buildType(wt wireType, known map[string]*types.Descriptor) (*types.Descriptor, error) {
	kind, ok := types.ParseKind(wt.Kind)
	if !ok {
		return nil, fmt.Errorf("type %q: unknown kind %q", wt.ID, wt.Kind)
	}

	switch kind {
	case types.KindBytes:
		return types.NewBytes(wt.ID, wt.Len)
	case types.KindComposite:
		fields := make([]types.Field, len(wt.Fields))
		for i, f := range wt.Fields {
			ft, ok := known[f.Type]
			if !ok {
				return nil, fmt.Errorf("type %q: member %q references undeclared type %q", wt.ID, f.Name, f.Type)
			}
			fields[i] = types.Field{Name: f.Name, Type: ft}
		}
		return types.NewComposite(wt.ID, fields...)
	default:
		return types.NewPrimitive(wt.ID, kind)
	}
}
