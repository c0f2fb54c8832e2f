// Package channel implements named groups of registered values that share
// one schema and capture consistent snapshots of them.
//
// A Channel serializes registration, schema recomputation and snapshot
// writes behind a single mutex. Schemas are issued lazily: structural
// changes mark the channel dirty and the next Schema or Snapshot call
// issues a new version, unless the resulting shape equals the current one.
// Frames are written into pooled buffers and delivered to sinks outside
// the lock.
package channel

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/schema"
	"codeberg.org/mutker/tamer/internal/types"
)

// Policy selects what disabling a value does to the schema.
type Policy int

const (
	// PolicyCompact drops disabled values from the layout. Every
	// enable/disable transition issues a new schema version.
	PolicyCompact Policy = iota
	// PolicyKeep keeps disabled values in the layout and writes zero bytes
	// for them. Toggling never changes the schema.
	PolicyKeep
)

func (p Policy) String() string {
	switch p {
	case PolicyCompact:
		return "compact"
	case PolicyKeep:
		return "keep"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configured policy name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "compact", "":
		return PolicyCompact, nil
	case "keep":
		return PolicyKeep, nil
	default:
		return PolicyCompact, errors.New().WithMessage(errors.ErrInvalidConfig,
			fmt.Sprintf("unknown channel policy %q", name))
	}
}

// VersionSequence hands out schema versions. Channels sharing a sequence
// never issue the same version twice, which keeps a name's versions
// unambiguous when its channel is replaced.
type VersionSequence struct {
	last atomic.Uint32
}

// Last returns the most recently issued version, 0 if none.
func (s *VersionSequence) Last() uint32 {
	return s.last.Load()
}

func (s *VersionSequence) next() uint32 {
	return s.last.Add(1)
}

// Option configures a Channel.
type Option func(*Channel)

// WithPolicy sets the disable policy.
func WithPolicy(p Policy) Option {
	return func(c *Channel) { c.policy = p }
}

// WithObserver installs an observer for schema and delivery events.
func WithObserver(o Observer) Option {
	return func(c *Channel) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithVersionSequence makes the channel draw schema versions from seq.
func WithVersionSequence(seq *VersionSequence) Option {
	return func(c *Channel) {
		if seq != nil {
			c.versions = seq
		}
	}
}

// WithLogger sets the logger used for registration and delivery events.
func WithLogger(l logger.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// Channel is an ordered, named collection of registered values.
type Channel struct {
	name     string
	catalog  *types.Catalog
	policy   Policy
	observer Observer
	log      logger.Logger

	mu       sync.Mutex
	handles  []*Handle
	byName   map[string]*Handle
	included []*Handle // parallel to schema.Fields
	schema   *schema.Schema
	versions *VersionSequence
	dirty    bool
	pool     schema.BufferPool

	sinkMu sync.Mutex
	sinks  []*attachment
}

// New returns an empty channel resolving type identifiers in catalog.
func New(name string, catalog *types.Catalog, opts ...Option) *Channel {
	c := &Channel{
		name:     name,
		catalog:  catalog,
		observer: nopObserver{},
		log:      logger.Default().With("channel"),
		byName:   make(map[string]*Handle),
		schema:   schema.New(name, 0, nil),
		versions: &VersionSequence{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Policy returns the disable policy.
func (c *Channel) Policy() Policy {
	return c.policy
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	return strings.IndexFunc(name, unicode.IsSpace) < 0
}

// Register appends a value called name of type typeID read from src.
func (c *Channel) Register(name, typeID string, src Source) (*Handle, error) {
	d, err := c.check(name, typeID, src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.available(name); err != nil {
		return nil, err
	}
	return c.add(name, d, src)
}

// check validates a registration that does not depend on channel state.
func (c *Channel) check(name, typeID string, src Source) (*types.Descriptor, error) {
	errFactory := errors.New()

	if !validName(name) {
		return nil, errFactory.WithData(errors.ErrInvalidName, name)
	}

	d, err := c.catalog.Describe(typeID)
	if err != nil {
		return nil, err
	}

	if src == nil || src.pointer() == nil {
		return nil, errFactory.WithMessage(errors.ErrSourceMismatch,
			fmt.Sprintf("value %q has no source", name))
	}
	if !compatible(d, src) {
		return nil, errFactory.WithData(errors.ErrSourceMismatch, struct {
			Name       string
			Type       string
			TypeSize   uintptr
			SourceKind string
			SourceSize uintptr
		}{
			Name:       name,
			Type:       d.ID,
			TypeSize:   d.Size,
			SourceKind: src.kind().String(),
			SourceSize: src.size(),
		})
	}
	return d, nil
}

// available fails if name is taken. Caller holds c.mu.
func (c *Channel) available(name string) error {
	if _, dup := c.byName[name]; dup {
		return errors.New().WithMessage(errors.ErrDuplicateName,
			fmt.Sprintf("value %q is already registered in channel %q", name, c.name))
	}
	return nil
}

// add appends a checked value. Caller holds c.mu.
func (c *Channel) add(name string, d *types.Descriptor, src Source) (*Handle, error) {
	if err := src.bind(&c.mu); err != nil {
		return nil, err
	}

	h := &Handle{
		channel:    c,
		name:       name,
		typ:        d,
		src:        src,
		enabled:    true,
		registered: true,
	}
	c.handles = append(c.handles, h)
	c.byName[name] = h
	c.dirty = true

	c.log.Debug().
		Str("channel", c.name).
		Str("value", name).
		Str("type", d.ID).
		Msg("Value registered")

	return h, nil
}

func (c *Channel) owns(h *Handle) bool {
	return h != nil && h.channel == c && h.registered
}

// Unregister removes the value behind h. The handle cannot be reused.
func (c *Channel) Unregister(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(h) {
		return c.invalidHandle(h)
	}

	for i, other := range c.handles {
		if other == h {
			c.handles = append(c.handles[:i], c.handles[i+1:]...)
			break
		}
	}
	delete(c.byName, h.name)
	h.registered = false
	h.enabled = false
	h.src.unbind()
	c.dirty = true

	c.log.Debug().
		Str("channel", c.name).
		Str("value", h.name).
		Msg("Value unregistered")

	return nil
}

// SetEnabled toggles whether h is written into frames.
func (c *Channel) SetEnabled(h *Handle, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(h) {
		return c.invalidHandle(h)
	}
	if h.enabled == enabled {
		return nil
	}

	h.enabled = enabled
	if c.policy == PolicyCompact {
		c.dirty = true
	}
	return nil
}

func (c *Channel) invalidHandle(h *Handle) error {
	name := "<nil>"
	if h != nil {
		name = h.name
	}
	return errors.New().WithMessage(errors.ErrInvalidHandle,
		fmt.Sprintf("value %q is not registered in channel %q", name, c.name))
}

// Lookup returns the handle registered under name.
func (c *Channel) Lookup(name string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byName[name]
	return h, ok
}

// Len returns the number of registered values, enabled or not.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Schema returns the current schema, issuing a new version first if the
// registered set changed since the last one.
func (c *Channel) Schema() *schema.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh()
	return c.schema
}

// refresh rebuilds the included handle list and, when the shape changed,
// issues the next schema version. Caller holds c.mu.
func (c *Channel) refresh() {
	if !c.dirty {
		return
	}
	c.dirty = false

	c.included = c.included[:0]
	entries := make([]schema.Entry, 0, len(c.handles))
	for _, h := range c.handles {
		if h.enabled || c.policy == PolicyKeep {
			c.included = append(c.included, h)
			entries = append(entries, schema.Entry{Name: h.name, Type: h.typ})
		}
	}

	if sameLayout(c.schema.Fields, entries) {
		return
	}
	next := schema.New(c.name, c.versions.next(), entries)
	c.schema = next

	c.observer.SchemaIssued(next)
	c.log.Debug().
		Str("channel", c.name).
		Uint32("version", next.Version).
		Int("fields", len(next.Fields)).
		Int("payload_size", next.PayloadSize).
		Msg("Schema issued")
}

func sameLayout(fields []schema.Field, entries []schema.Entry) bool {
	if len(fields) != len(entries) {
		return false
	}
	for i, f := range fields {
		if f.Name != entries[i].Name || f.Type != entries[i].Type {
			return false
		}
	}
	return true
}

// Snapshot copies the current value of every included handle into a frame
// tagged with ts and the schema version in effect. Disabled values kept by
// PolicyKeep are written as zero bytes. Call Release on the frame to
// recycle its buffer.
func (c *Channel) Snapshot(ts time.Time) schema.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refresh()
	s := c.schema

	buf := c.pool.Acquire(s.FrameSize())
	data := *buf
	schema.PutHeader(data, ts, s.Version)
	payload := data[schema.HeaderSize:]

	for i, h := range c.included {
		f := s.Fields[i]
		dst := payload[f.Offset : f.Offset+f.Type.WireSize()]
		if h.enabled {
			f.Type.Encode(dst, h.src.pointer())
		} else {
			clear(dst)
		}
	}

	return c.pool.Frame(ts, s, buf)
}
