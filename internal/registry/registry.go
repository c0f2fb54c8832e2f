// Package registry maps channel names to channels.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/types"
)

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultSinks attaches sinks to every channel the registry creates.
func WithDefaultSinks(sinks ...channel.Sink) Option {
	return func(r *Registry) { r.sinks = append(r.sinks, sinks...) }
}

// WithChannelOptions applies opts to every channel the registry creates.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(r *Registry) { r.channelOpts = append(r.channelOpts, opts...) }
}

// WithLogger sets the registry logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry owns the set of live channels. It is safe for concurrent use;
// its lock is never held while a channel lock is taken.
type Registry struct {
	catalog     *types.Catalog
	channelOpts []channel.Option
	log         logger.Logger

	mu       sync.Mutex
	channels map[string]*channel.Channel
	versions map[string]*channel.VersionSequence
	sinks    []channel.Sink
	closed   bool
}

// New returns an empty registry whose channels resolve types in catalog.
func New(catalog *types.Catalog, opts ...Option) *Registry {
	r := &Registry{
		catalog:  catalog,
		log:      logger.Default().With("registry"),
		channels: make(map[string]*channel.Channel),
		versions: make(map[string]*channel.VersionSequence),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Catalog returns the catalog shared by all channels.
func (r *Registry) Catalog() *types.Catalog {
	return r.catalog
}

// Get returns the channel called name, creating it if needed. Concurrent
// calls for the same name return the same channel.
func (r *Registry) Get(name string) (*channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New().WithMessage(errors.ErrRegistryClosed,
			fmt.Sprintf("cannot open channel %q", name))
	}
	if c, ok := r.channels[name]; ok {
		return c, nil
	}
	if name == "" {
		return nil, errors.New().WithMessage(errors.ErrInvalidName, "channel name is empty")
	}

	// A name keeps its version sequence across Remove, so a replacement
	// channel continues after the versions its predecessor issued.
	seq, ok := r.versions[name]
	if !ok {
		seq = &channel.VersionSequence{}
		r.versions[name] = seq
	}
	opts := append(r.channelOpts[:len(r.channelOpts):len(r.channelOpts)], channel.WithVersionSequence(seq))

	c := channel.New(name, r.catalog, opts...)
	for _, s := range r.sinks {
		c.AddSink(s)
	}
	r.channels[name] = c

	r.log.Debug().
		Str("channel", name).
		Int("default_sinks", len(r.sinks)).
		Msg("Channel created")

	return c, nil
}

// Lookup returns the channel called name without creating it.
func (r *Registry) Lookup(name string) (*channel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[name]
	return c, ok
}

// Remove detaches the channel called name. Existing references to it,
// and schemas and frames it already delivered, stay valid.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[name]; !ok {
		return false
	}
	delete(r.channels, name)
	r.log.Debug().Str("channel", name).Msg("Channel removed")
	return true
}

// Channels returns the live channels sorted by name.
func (r *Registry) Channels() []*channel.Channel {
	r.mu.Lock()
	out := make([]*channel.Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AddDefaultSink attaches s to channels created from now on. Existing
// channels are left alone.
func (r *Registry) AddDefaultSink(s channel.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Close detaches every channel. Later calls to Get fail with
// ErrRegistryClosed. Closing twice is a no-op.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	n := len(r.channels)
	r.channels = make(map[string]*channel.Channel)

	r.log.Debug().Int("channels", n).Msg("Registry closed")
}
