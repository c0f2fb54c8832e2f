package schema

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/tamer/internal/types"
)

const sectionRule = "==========================================================="

// String renders the schema in its human readable text form: a header,
// one "type name" line per field, then a MSG section for every composite
// type in dependency order.
func (s *Schema) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "### version: %d\n", FormatVersion)
	fmt.Fprintf(&b, "### hash: %d\n", s.Hash)
	fmt.Fprintf(&b, "### channel_name: %s\n", s.Channel)
	fmt.Fprintf(&b, "### schema_version: %d\n\n", s.Version)

	for _, f := range s.Fields {
		fmt.Fprintf(&b, "%s %s\n", f.Type.ID, f.Name)
	}

	var composites []*types.Descriptor
	seen := make(map[string]struct{})
	for _, f := range s.Fields {
		composites = collectComposites(composites, seen, f.Type)
	}

	for _, d := range composites {
		b.WriteString(sectionRule + "\n")
		fmt.Fprintf(&b, "MSG: %s\n", d.ID)
		for _, f := range d.Fields {
			fmt.Fprintf(&b, "%s %s\n", f.Type.ID, f.Name)
		}
	}

	return b.String()
}

func collectComposites(out []*types.Descriptor, seen map[string]struct{}, d *types.Descriptor) []*types.Descriptor {
	if d.Kind != types.KindComposite {
		return out
	}
	if _, ok := seen[d.ID]; ok {
		return out
	}
	seen[d.ID] = struct{}{}

	for _, f := range d.Fields {
		out = collectComposites(out, seen, f.Type)
	}
	return append(out, d)
}
