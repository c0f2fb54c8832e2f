package schema

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/types"
)

// Value is one decoded field. Composite values hold []types.Member.
type Value struct {
	Name  string
	Value any
}

// Record is a decoded frame.
type Record struct {
	Timestamp time.Time
	Channel   string
	Version   uint32
	Values    []Value
}

// Get returns the value of the top-level field called name.
func (r Record) Get(name string) (any, bool) {
	for _, v := range r.Values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return nil, false
}

// Flatten expands composite values into "parent/member" leaves.
func (r Record) Flatten() []Value {
	out := make([]Value, 0, len(r.Values))
	for _, v := range r.Values {
		out = flatten(out, v.Name, v.Value)
	}
	return out
}

func flatten(out []Value, prefix string, value any) []Value {
	members, ok := value.([]types.Member)
	if !ok {
		return append(out, Value{Name: prefix, Value: value})
	}
	for _, m := range members {
		out = flatten(out, prefix+"/"+m.Name, m.Value)
	}
	return out
}

// Decode reads a frame record captured under s.
func (s *Schema) Decode(data []byte) (Record, error) {
	errFactory := errors.New()

	ts, version, payload, err := ParseHeader(data)
	if err != nil {
		return Record{}, err
	}
	if version != s.Version {
		return Record{}, errFactory.WithMessage(errors.ErrUnknownSchema,
			fmt.Sprintf("frame of %q tagged v%d decoded with v%d", s.Channel, version, s.Version))
	}
	if len(payload) != s.PayloadSize {
		return Record{}, errFactory.WithData(errors.ErrFrameSize, struct {
			Channel string
			Version uint32
			Payload int
			Schema  int
		}{
			Channel: s.Channel,
			Version: version,
			Payload: len(payload),
			Schema:  s.PayloadSize,
		})
	}

	rec := Record{
		Timestamp: ts,
		Channel:   s.Channel,
		Version:   version,
		Values:    make([]Value, len(s.Fields)),
	}
	for i, f := range s.Fields {
		rec.Values[i] = Value{Name: f.Name, Value: f.Type.Decode(payload[f.Offset:])}
	}

	return rec, nil
}

type bookKey struct {
	channel string
	version uint32
}

// Book keeps every schema version seen per channel so frames captured under
// older versions stay decodable. It is safe for concurrent use.
type Book struct {
	mu      sync.RWMutex
	schemas map[bookKey]*Schema
}

// NewBook returns an empty Book.
func NewBook() *Book {
	return &Book{schemas: make(map[bookKey]*Schema)}
}

// Add records s. Adding the same (channel, version) again replaces it.
func (b *Book) Add(s *Schema) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schemas[bookKey{channel: s.Channel, version: s.Version}] = s
}

// Lookup returns the schema of channel at version.
func (b *Book) Lookup(channel string, version uint32) (*Schema, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.schemas[bookKey{channel: channel, version: version}]
	return s, ok
}

// Versions lists the known versions of channel in ascending order.
func (b *Book) Versions(channel string) []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var versions []uint32
	for k := range b.schemas {
		if k.channel == channel {
			versions = append(versions, k.version)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// Decode reads a frame of channel using the schema version in its header.
func (b *Book) Decode(channel string, data []byte) (Record, error) {
	_, version, _, err := ParseHeader(data)
	if err != nil {
		return Record{}, err
	}

	s, ok := b.Lookup(channel, version)
	if !ok {
		return Record{}, errors.New().WithMessage(errors.ErrUnknownSchema,
			fmt.Sprintf("no schema v%d for channel %q", version, channel))
	}

	return s.Decode(data)
}
