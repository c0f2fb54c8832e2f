package sink

import (
	"context"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/schema"
)

type asyncItem struct {
	schema *schema.Schema
	frame  schema.Frame
}

// Async moves delivery to a background goroutine. Frames are copied into a
// bounded queue; when the queue is full the frame is rejected with
// ErrQueueFull instead of blocking the recorder. Errors of the wrapped sink
// are logged and counted. Close drains the queue before closing the
// wrapped sink.
type Async struct {
	inner Sink
	log   logger.Logger

	mu     sync.RWMutex
	queue  chan asyncItem
	closed bool
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAsync wraps inner with a queue of size entries.
func NewAsync(inner Sink, size int, log logger.Logger) *Async {
	if size <= 0 {
		size = defaultQueueSize
	}
	a := &Async{
		inner: inner,
		log:   log,
		queue: make(chan asyncItem, size),
		done:  make(chan struct{}),
	}
	go a.consume()
	return a
}

func (a *Async) Name() string { return "async:" + a.inner.Name() }

// OnSchema queues s. Schemas wait for queue space so a frame is never
// delivered ahead of its schema.
func (a *Async) OnSchema(ctx context.Context, s *schema.Schema) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return errors.New().WithMessage(ErrClosed, a.Name())
	}
	select {
	case a.queue <- asyncItem{schema: s}:
		return nil
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	}
}

// OnFrame queues a copy of f, or fails with ErrQueueFull.
func (a *Async) OnFrame(_ context.Context, f schema.Frame) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return errors.New().WithMessage(ErrClosed, a.Name())
	}
	select {
	case a.queue <- asyncItem{frame: f.Clone()}:
		return nil
	default:
		a.dropped.Add(1)
		return errors.New().WithData(ErrQueueFull, cap(a.queue))
	}
}

func (a *Async) consume() {
	defer close(a.done)

	ctx := context.Background()
	for item := range a.queue {
		var err error
		if item.schema != nil {
			err = a.inner.OnSchema(ctx, item.schema)
		} else {
			err = a.inner.OnFrame(ctx, item.frame)
		}
		if err != nil {
			a.failed.Add(1)
			a.log.Warn().
				Str("sink", a.inner.Name()).
				Err(err).
				Msg("Queued delivery failed")
		}
	}
}

// Dropped returns how many frames were rejected because the queue was full.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Failed returns how many queued deliveries the wrapped sink rejected.
func (a *Async) Failed() uint64 { return a.failed.Load() }

// Close stops accepting items, waits for the queue to drain and closes the
// wrapped sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.inner.Close()
}
