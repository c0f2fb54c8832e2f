package channel

import (
	"time"

	"codeberg.org/mutker/tamer/internal/schema"
)

// Observer receives channel events, typically to export metrics. Methods
// may be called with the channel lock held and must not block.
type Observer interface {
	SchemaIssued(s *schema.Schema)
	FrameCaptured(channel string, size int, took time.Duration)
	FrameDelivered(channel, sink string)
	DeliveryFailed(channel, sink string, err error)
}

type nopObserver struct{}

func (nopObserver) SchemaIssued(*schema.Schema)              {}
func (nopObserver) FrameCaptured(string, int, time.Duration) {}
func (nopObserver) FrameDelivered(string, string)            {}
func (nopObserver) DeliveryFailed(string, string, error)     {}
