// Package schema describes how a channel's frame payload is laid out and
// provides the frame record format shared by channels, sinks and readers.
package schema

import (
	"encoding/binary"

	"codeberg.org/mutker/tamer/internal/types"
	"github.com/zeebo/blake3"
)

// FormatVersion identifies the frame and schema encoding of this package.
const FormatVersion = 1

// hashKey is the BLAKE3 key for schema hashes: the ASCII domain name,
// zero padded to 32 bytes.
var hashKey = [32]byte{
	't', 'a', 'm', 'e', 'r', '.', 's', 'c', 'h', 'e', 'm', 'a',
}

// Entry is a named value as listed by a channel when a schema is built.
type Entry struct {
	Name string
	Type *types.Descriptor
}

// Field is a laid out entry. Offset is the byte offset within the payload.
type Field struct {
	Name   string
	Type   *types.Descriptor
	Offset int
}

// Schema is one immutable version of a channel's payload layout.
type Schema struct {
	Channel     string
	Version     uint32
	Fields      []Field
	Hash        uint64
	PayloadSize int
}

// New lays out entries in order and computes the content hash. The hash
// covers the channel name and the ordered field names and types; the
// version does not contribute, so equal shapes hash equally.
func New(channel string, version uint32, entries []Entry) *Schema {
	s := &Schema{
		Channel: channel,
		Version: version,
		Fields:  make([]Field, len(entries)),
	}

	offset := 0
	for i, e := range entries {
		s.Fields[i] = Field{Name: e.Name, Type: e.Type, Offset: offset}
		offset += e.Type.WireSize()
	}
	s.PayloadSize = offset
	s.Hash = contentHash(channel, entries)

	return s
}

// FrameSize is the length of a frame record carrying this schema.
func (s *Schema) FrameSize() int {
	return HeaderSize + s.PayloadSize
}

// Field returns the field called name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func contentHash(channel string, entries []Entry) uint64 {
	h, err := blake3.NewKeyed(hashKey[:])
	if err != nil {
		panic("schema: blake3 keyed hasher: " + err.Error())
	}

	writeString(h, channel)
	for _, e := range entries {
		writeString(h, e.Name)
		writeType(h, e.Type)
	}

	return binary.LittleEndian.Uint64(h.Sum(nil))
}

// writeType feeds the wire-relevant shape of d, independent of the
// platform's in-memory padding.
func writeType(h *blake3.Hasher, d *types.Descriptor) {
	writeString(h, d.ID)
	var scratch [9]byte
	scratch[0] = byte(d.Kind)
	binary.LittleEndian.PutUint64(scratch[1:], uint64(d.Len))
	_, _ = h.Write(scratch[:])

	binary.LittleEndian.PutUint64(scratch[1:], uint64(len(d.Fields)))
	_, _ = h.Write(scratch[1:])
	for _, f := range d.Fields {
		writeString(h, f.Name)
		writeType(h, f.Type)
	}
}

func writeString(h *blake3.Hasher, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}
