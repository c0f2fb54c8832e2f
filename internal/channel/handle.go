package channel

import "codeberg.org/mutker/tamer/internal/types"

// Handle binds a registered value to its channel. All state is guarded by
// the channel lock.
type Handle struct {
	channel    *Channel
	name       string
	typ        *types.Descriptor
	src        Source
	enabled    bool
	registered bool
}

// Name returns the value name.
func (h *Handle) Name() string {
	return h.name
}

// Type returns the value's type descriptor.
func (h *Handle) Type() *types.Descriptor {
	return h.typ
}

// Channel returns the channel the handle was registered in.
func (h *Handle) Channel() *Channel {
	return h.channel
}

// Enabled reports whether the value is currently written into frames.
func (h *Handle) Enabled() bool {
	h.channel.mu.Lock()
	defer h.channel.mu.Unlock()
	return h.enabled
}

// Registered reports whether the handle is still registered.
func (h *Handle) Registered() bool {
	h.channel.mu.Lock()
	defer h.channel.mu.Unlock()
	return h.registered
}

// SetEnabled is shorthand for h.Channel().SetEnabled(h, enabled).
func (h *Handle) SetEnabled(enabled bool) error {
	return h.channel.SetEnabled(h, enabled)
}

// Unregister is shorthand for h.Channel().Unregister(h).
func (h *Handle) Unregister() error {
	return h.channel.Unregister(h)
}
