// Package engine drives periodic recording of every channel in a registry.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/registry"
)

// Probe refreshes registered values before a trigger records them.
type Probe interface {
	Name() string
	Sample(ctx context.Context) error
}

// Stats counts trigger outcomes since the engine was created.
type Stats struct {
	Triggers       uint64
	Frames         uint64
	DeliveryErrors uint64
	ProbeErrors    uint64
}

// Engine records all channels of a registry on a fixed interval or on
// demand.
type Engine struct {
	registry *registry.Registry
	interval time.Duration
	now      func() time.Time
	log      logger.Logger

	probeMu sync.Mutex
	probes  []Probe

	running atomic.Bool

	triggers       atomic.Uint64
	frames         atomic.Uint64
	deliveryErrors atomic.Uint64
	probeErrors    atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now as the frame timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithProbes adds probes sampled at the start of every trigger.
func WithProbes(probes ...Probe) Option {
	return func(e *Engine) { e.probes = append(e.probes, probes...) }
}

// New returns an engine recording r every interval.
func New(r *registry.Registry, interval time.Duration, opts ...Option) (*Engine, error) {
	if interval <= 0 {
		return nil, errors.New().WithData(errors.ErrInvalidInterval, interval)
	}

	e := &Engine{
		registry: r,
		interval: interval,
		now:      time.Now,
		log:      logger.Default().With("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AddProbe adds p to the probes sampled before every trigger.
func (e *Engine) AddProbe(p Probe) {
	e.probeMu.Lock()
	defer e.probeMu.Unlock()
	e.probes = append(e.probes, p)
}

// Run triggers on every tick until ctx is done. Failures are logged and
// counted; they never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New().WithMessage(errors.ErrAlreadyRunning, "engine loop is already running")
	}
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.log.Info().
		Dur("interval", e.interval).
		Msg("Recording started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().
				Uint64("triggers", e.triggers.Load()).
				Uint64("frames", e.frames.Load()).
				Msg("Recording stopped")
			return nil
		case <-ticker.C:
			if err := e.Trigger(ctx); err != nil {
				e.log.Warn().Err(err).Msg("Trigger completed with errors")
			}
		}
	}
}

// Trigger samples every probe and then records every channel with one
// shared timestamp. All failures are returned joined; a failing probe or
// channel does not prevent the rest from running.
func (e *Engine) Trigger(ctx context.Context) error {
	e.triggers.Add(1)

	var errs []error

	e.probeMu.Lock()
	probes := append([]Probe(nil), e.probes...)
	e.probeMu.Unlock()

	for _, p := range probes {
		if err := p.Sample(ctx); err != nil {
			e.probeErrors.Add(1)
			e.log.Warn().Str("probe", p.Name()).Err(err).Msg("Probe failed")
			errs = append(errs, errors.New().Wrap(errors.ErrOperationFailed, err))
		}
	}

	ts := e.now()
	for _, c := range e.registry.Channels() {
		if len(c.Sinks()) == 0 {
			continue
		}
		err := c.Record(ctx, ts)
		e.frames.Add(1)
		if err != nil {
			e.deliveryErrors.Add(1)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Stats returns the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Triggers:       e.triggers.Load(),
		Frames:         e.frames.Load(),
		DeliveryErrors: e.deliveryErrors.Load(),
		ProbeErrors:    e.probeErrors.Load(),
	}
}
