// Package types holds the type catalog: data-only layout descriptions for the
// values a channel can record.
//
// A Descriptor describes both the in-memory layout of a value (Size, Align,
// field offsets, matching the Go layout of the corresponding Go type on the
// running platform) and its packed wire layout (WireSize, little endian, no
// padding). Serialization walks a flat list of copy operations computed when
// the descriptor is built, so the snapshot path never dispatches through
// interfaces.
package types
