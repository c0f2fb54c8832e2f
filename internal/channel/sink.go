package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/schema"
)

// Sink consumes schemas and frames. OnSchema is always called for a schema
// version before the first frame tagged with it. A frame passed to OnFrame
// is only valid for the duration of the call; Clone it to keep it.
type Sink interface {
	Name() string
	OnSchema(ctx context.Context, s *schema.Schema) error
	OnFrame(ctx context.Context, f schema.Frame) error
}

type attachment struct {
	sink      Sink
	announced *schema.Schema
}

// AddSink attaches s. Adding an attached sink again is a no-op.
func (c *Channel) AddSink(s Sink) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	for _, a := range c.sinks {
		if a.sink == s {
			return
		}
	}
	c.sinks = append(c.sinks, &attachment{sink: s})
}

// RemoveSink detaches s and reports whether it was attached.
func (c *Channel) RemoveSink(s Sink) bool {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	for i, a := range c.sinks {
		if a.sink == s {
			c.sinks = append(c.sinks[:i], c.sinks[i+1:]...)
			return true
		}
	}
	return false
}

// Sinks returns the attached sinks in attach order.
func (c *Channel) Sinks() []Sink {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	out := make([]Sink, len(c.sinks))
	for i, a := range c.sinks {
		out[i] = a.sink
	}
	return out
}

// Record captures a frame at ts and delivers it to every attached sink.
// Each sink is sent the frame's schema first if it has not seen that
// version. A failing sink does not stop delivery to the others; failures
// are returned together as a *DeliveryError. The capture itself is never
// rolled back. Without attached sinks Record does nothing.
func (c *Channel) Record(ctx context.Context, ts time.Time) error {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	if len(c.sinks) == 0 {
		return nil
	}

	start := time.Now()
	frame := c.Snapshot(ts)
	defer frame.Release()
	c.observer.FrameCaptured(c.name, len(frame.Data), time.Since(start))

	var failures []*SinkFailure
	for _, a := range c.sinks {
		if err := c.deliver(ctx, a, frame); err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return &DeliveryError{
		Channel:  c.name,
		Version:  frame.Schema.Version,
		Failures: failures,
	}
}

func (c *Channel) deliver(ctx context.Context, a *attachment, frame schema.Frame) *SinkFailure {
	name := a.sink.Name()

	if a.announced != frame.Schema {
		if err := a.sink.OnSchema(ctx, frame.Schema); err != nil {
			return c.failed(name, "schema", err)
		}
		a.announced = frame.Schema
	}

	if err := a.sink.OnFrame(ctx, frame); err != nil {
		return c.failed(name, "frame", err)
	}

	c.observer.FrameDelivered(c.name, name)
	return nil
}

func (c *Channel) failed(sink, stage string, err error) *SinkFailure {
	c.observer.DeliveryFailed(c.name, sink, err)
	c.log.Warn().
		Str("channel", c.name).
		Str("sink", sink).
		Str("stage", stage).
		Err(err).
		Msg("Sink delivery failed")
	return &SinkFailure{Sink: sink, Stage: stage, Err: err}
}

// SinkFailure is one sink rejecting a schema or a frame.
type SinkFailure struct {
	Sink  string
	Stage string // "schema" or "frame"
	Err   error
}

func (f *SinkFailure) Error() string {
	return fmt.Sprintf("sink %s rejected %s: %v", f.Sink, f.Stage, f.Err)
}

func (f *SinkFailure) Unwrap() error {
	return f.Err
}

func (f *SinkFailure) Code() errors.ErrorCode {
	return errors.ErrSinkDelivery
}

// DeliveryError aggregates the sink failures of one Record call.
type DeliveryError struct {
	Channel  string
	Version  uint32
	Failures []*SinkFailure
}

func (e *DeliveryError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%s: channel %s version %d: %s",
		errors.GetErrorMessage(errors.ErrSinkDelivery), e.Channel, e.Version, strings.Join(parts, "; "))
}

func (e *DeliveryError) Code() errors.ErrorCode {
	return errors.ErrSinkDelivery
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
